package agentsim

import (
	"bytes"
	_ "embed"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScript []byte

// Script lists the turns the simulator plays. Each thread walks through the
// turns on its own.
type Script struct {
	Turns []Turn `yaml:"turns"`
}

type Turn struct {
	// Expect, when set, is the input text the turn must receive. Interrupt
	// responses are compared in their JSON form unless they are strings.
	Expect string `yaml:"expect,omitempty"`
	// Think delays the response headers.
	Think time.Duration `yaml:"think,omitempty"`
	// Status, when set, answers the turn with that HTTP status and no stream.
	Status int    `yaml:"status,omitempty"`
	Steps  []Step `yaml:"steps"`
}

// Step is one stream record. Exactly one of Node, Token, Interrupt or Raw is set.
type Step struct {
	Node      string         `yaml:"node,omitempty"`
	Token     *string        `yaml:"token,omitempty"`
	Interrupt map[string]any `yaml:"interrupt,omitempty"`
	// Raw is written as the record payload verbatim.
	Raw   *string       `yaml:"raw,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty"`
}

func ParseScript(data []byte) (Script, error) {
	var script Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&script); err != nil && !errors.Is(err, io.EOF) {
		return Script{}, xerrors.Errorf("failed to parse script: %w", err)
	}
	for i, turn := range script.Turns {
		for j, step := range turn.Steps {
			if err := step.validate(); err != nil {
				return Script{}, xerrors.Errorf("turn %d step %d: %w", i, j, err)
			}
		}
	}
	return script, nil
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, xerrors.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data)
}

// DefaultScript is the patching walkthrough served when no script is given.
func DefaultScript() Script {
	script, err := ParseScript(defaultScript)
	if err != nil {
		panic(err)
	}
	return script
}

func (s Step) validate() error {
	set := 0
	if s.Node != "" {
		set++
	}
	if s.Token != nil {
		set++
	}
	if s.Interrupt != nil {
		set++
	}
	if s.Raw != nil {
		set++
	}
	if set != 1 {
		return xerrors.Errorf("exactly one of node, token, interrupt or raw must be set, got %d", set)
	}
	return nil
}
