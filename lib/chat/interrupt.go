package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/coder/graphchat/lib/util"
	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/xerrors"
)

// InterruptKind tells a collaborator which widget answers an interrupt.
type InterruptKind string

const (
	KindYesNo               InterruptKind = "yes_no"
	KindSingleSelect        InterruptKind = "single_select"
	KindMultiSelect         InterruptKind = "multi_select"
	KindTextInput           InterruptKind = "text_input"
	KindActionStatus        InterruptKind = "action_status"
	KindDeploymentRouter    InterruptKind = "deployment_main_router"
	KindSubDeploymentRouter InterruptKind = "sub_deployment_router_component"
	KindDeploymentEndpoints InterruptKind = "display_endpoints_for_deployment_component"
)

var InterruptKindValues = []InterruptKind{
	KindYesNo,
	KindSingleSelect,
	KindMultiSelect,
	KindTextInput,
	KindActionStatus,
	KindDeploymentRouter,
	KindSubDeploymentRouter,
	KindDeploymentEndpoints,
}

// interruptKindAliases maps every accepted wire name to its canonical kind.
var interruptKindAliases = map[string]InterruptKind{
	"yes_no":                                     KindYesNo,
	"render_yes_no_prompt":                       KindYesNo,
	"single_select":                              KindSingleSelect,
	"radio":                                      KindSingleSelect,
	"multi_select":                               KindMultiSelect,
	"table":                                      KindMultiSelect,
	"render_selectable_table":                    KindMultiSelect,
	"text_input":                                 KindTextInput,
	"action_status":                              KindActionStatus,
	"display_action_status":                      KindActionStatus,
	"deployment_main_router":                     KindDeploymentRouter,
	"sub_deployment_router_component":            KindSubDeploymentRouter,
	"display_endpoints_for_deployment_component": KindDeploymentEndpoints,
}

// Placement says where a collaborator renders an interrupt.
type Placement string

const (
	PlacementInline Placement = "inline"
	PlacementPanel  Placement = "panel"
)

var kindPlacement = map[InterruptKind]Placement{
	KindYesNo:               PlacementInline,
	KindSingleSelect:        PlacementInline,
	KindMultiSelect:         PlacementPanel,
	KindTextInput:           PlacementInline,
	KindActionStatus:        PlacementPanel,
	KindDeploymentRouter:    PlacementInline,
	KindSubDeploymentRouter: PlacementInline,
	KindDeploymentEndpoints: PlacementPanel,
}

// ParseInterruptKind normalizes a wire name. Unknown names are kept verbatim.
func ParseInterruptKind(s string) InterruptKind {
	if kind, ok := interruptKindAliases[strings.TrimSpace(s)]; ok {
		return kind
	}
	return InterruptKind(s)
}

func (k InterruptKind) Known() bool {
	_, ok := kindPlacement[k]
	return ok
}

func (k InterruptKind) Placement() Placement {
	if p, ok := kindPlacement[k]; ok {
		return p
	}
	return PlacementInline
}

// Selectable reports whether the kind is answered with option ids.
func (k InterruptKind) Selectable() bool {
	switch k {
	case KindSingleSelect, KindMultiSelect, KindDeploymentRouter, KindSubDeploymentRouter, KindDeploymentEndpoints:
		return true
	}
	return false
}

// MultiSelect reports whether more than one option may be picked.
func (k InterruptKind) MultiSelect() bool {
	return k == KindMultiSelect || k == KindDeploymentEndpoints
}

func (k *InterruptKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return xerrors.Errorf("interrupt ui must be a string: %w", err)
	}
	*k = ParseInterruptKind(s)
	return nil
}

func (k InterruptKind) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "InterruptKind", InterruptKindValues)
}

// Option is one choice offered by an interrupt. Fields other than id and label
// are kept in Extra and written back in the order they were received.
type Option struct {
	ID    string
	Label string
	Extra map[string]any

	order []string
}

func (Option) Schema(r huma.Registry) *huma.Schema {
	return &huma.Schema{
		Type: huma.TypeObject,
		Properties: map[string]*huma.Schema{
			"id":    {Type: huma.TypeString},
			"label": {Type: huma.TypeString},
		},
		Required:             []string{"id", "label"},
		AdditionalProperties: true,
	}
}

func (o Option) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return xerrors.Errorf("failed to marshal option field %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}
	if err := write("id", o.ID); err != nil {
		return nil, err
	}
	if err := write("label", o.Label); err != nil {
		return nil, err
	}
	for _, key := range o.extraKeys() {
		if err := write(key, o.Extra[key]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Option) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return xerrors.Errorf("failed to read option: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return xerrors.Errorf("option must be an object, got %v", tok)
	}
	*o = Option{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return xerrors.Errorf("failed to read option key: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return xerrors.Errorf("failed to read option field %q: %w", key, err)
		}
		switch key {
		case "id":
			o.ID = scalarText(raw)
		case "label":
			o.Label = scalarText(raw)
		default:
			var value any
			vdec := json.NewDecoder(bytes.NewReader(raw))
			vdec.UseNumber()
			if err := vdec.Decode(&value); err != nil {
				return xerrors.Errorf("failed to decode option field %q: %w", key, err)
			}
			if o.Extra == nil {
				o.Extra = make(map[string]any)
			}
			if _, seen := o.Extra[key]; !seen {
				o.order = append(o.order, key)
			}
			o.Extra[key] = value
		}
	}
	return nil
}

// scalarText returns strings unquoted and any other JSON value as its literal
// text, so numeric option ids survive as "17".
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

func (o Option) extraKeys() []string {
	keys := make([]string, 0, len(o.Extra))
	for _, k := range o.order {
		if _, ok := o.Extra[k]; ok {
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range o.Extra {
		if !slices.Contains(keys, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// Field returns an extra field rendered as text.
func (o Option) Field(key string) string {
	switch key {
	case "id":
		return o.ID
	case "label":
		return o.Label
	}
	v, ok := o.Extra[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (o Option) clone() Option {
	out := o
	if o.Extra != nil {
		out.Extra = make(map[string]any, len(o.Extra))
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
	}
	out.order = append([]string(nil), o.order...)
	return out
}

// InterruptContent is a pending request for structured input from the agent.
type InterruptContent struct {
	Question string        `json:"question"`
	Options  []Option      `json:"options"`
	UI       InterruptKind `json:"ui"`
	Columns  []string      `json:"columns,omitempty"`
}

func (ic *InterruptContent) Clone() *InterruptContent {
	if ic == nil {
		return nil
	}
	out := *ic
	out.Columns = append([]string(nil), ic.Columns...)
	if ic.Options != nil {
		out.Options = make([]Option, len(ic.Options))
		for i, o := range ic.Options {
			out.Options[i] = o.clone()
		}
	}
	return &out
}

// TableColumns returns the explicit column list, or the extra option keys in
// first-seen order when none was sent.
func (ic *InterruptContent) TableColumns() []string {
	if len(ic.Columns) > 0 {
		return ic.Columns
	}
	var cols []string
	for _, o := range ic.Options {
		for _, k := range o.extraKeys() {
			if !slices.Contains(cols, k) {
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// Option looks up an option by id.
func (ic *InterruptContent) Option(id string) (Option, bool) {
	for _, o := range ic.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Summarize builds the transcript label for a selection of option ids. Items
// follow option order; ids that match no option are listed last as given.
func (ic *InterruptContent) Summarize(selectedIDs []string) *SelectionSummary {
	items := make([]string, 0, len(selectedIDs))
	matched := make(map[string]bool, len(selectedIDs))
	for _, o := range ic.Options {
		if !slices.Contains(selectedIDs, o.ID) {
			continue
		}
		matched[o.ID] = true
		if o.Label != "" {
			items = append(items, o.Label)
		} else {
			items = append(items, o.ID)
		}
	}
	for _, id := range selectedIDs {
		if !matched[id] {
			items = append(items, id)
		}
	}
	return &SelectionSummary{Label: "Selected items", Items: items}
}

type ActionState string

const (
	ActionPending ActionState = "pending"
	ActionRunning ActionState = "running"
	ActionSuccess ActionState = "success"
	ActionFailed  ActionState = "failed"
)

// ActionStatusEntry is one host row of an action_status board.
type ActionStatusEntry struct {
	ComputerName string      `json:"computer_name"`
	Status       ActionState `json:"status"`
	Log          string      `json:"log"`
}

// ActionStatuses reads the options of an action_status interrupt as status rows.
func (ic *InterruptContent) ActionStatuses() []ActionStatusEntry {
	entries := make([]ActionStatusEntry, 0, len(ic.Options))
	for _, o := range ic.Options {
		name := o.Field("computer_name")
		if name == "" {
			name = o.Label
		}
		status := ActionState(o.Field("status"))
		if status == "" {
			status = ActionPending
		}
		entries = append(entries, ActionStatusEntry{
			ComputerName: name,
			Status:       status,
			Log:          o.Field("log"),
		})
	}
	return entries
}
