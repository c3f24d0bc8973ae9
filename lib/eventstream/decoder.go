// Package eventstream decodes the agent's server-sent event stream into typed
// protocol events.
package eventstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/graphchat/lib/chat"
	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"
)

type EventType string

const (
	EventTypeToken     EventType = "token"
	EventTypeNodeStart EventType = "node_start"
	EventTypeInterrupt EventType = "interrupt"
)

// Event is one decoded protocol event. Exactly one of Content, Node or
// Interrupt is meaningful, selected by Type.
type Event struct {
	Type      EventType
	Content   string
	Node      string
	Interrupt *chat.InterruptContent
}

func Token(content string) Event {
	return Event{Type: EventTypeToken, Content: content}
}

func NodeStart(node string) Event {
	return Event{Type: EventTypeNodeStart, Node: node}
}

func Interrupt(content *chat.InterruptContent) Event {
	return Event{Type: EventTypeInterrupt, Interrupt: content}
}

const (
	// DataMarker prefixes every relevant record of the stream.
	DataMarker = "data:"

	DefaultMaxRecordSize = 1 << 20
	DefaultChunkSize     = 4096
)

var ErrRecordTooLarge = xerrors.New("event stream record exceeds maximum size")

type DecoderConfig struct {
	// MaxRecordSize bounds a single newline-terminated record.
	MaxRecordSize int
	// ChunkSize is the size of each read from the body.
	ChunkSize int
	Logger    *slog.Logger
}

// Decoder splits a response body into records and turns them into events. A
// Decoder serves exactly one turn: it stops for good after the stream ends,
// fails, or yields an interrupt, and the body is closed at that point.
type Decoder struct {
	body      io.ReadCloser
	logger    *slog.Logger
	maxRecord int
	chunk     []byte

	// buf holds bytes read but not yet split; an incomplete trailing record
	// stays here until the next chunk completes it.
	buf  []byte
	eof  bool
	done bool

	closeOnce sync.Once
	closeErr  error
}

func NewDecoder(body io.ReadCloser, cfg *DecoderConfig) *Decoder {
	d := &Decoder{
		body:      body,
		logger:    slog.Default(),
		maxRecord: DefaultMaxRecordSize,
		chunk:     make([]byte, DefaultChunkSize),
	}
	if cfg != nil {
		if cfg.MaxRecordSize > 0 {
			d.maxRecord = cfg.MaxRecordSize
		}
		if cfg.ChunkSize > 0 {
			d.chunk = make([]byte, cfg.ChunkSize)
		}
		if cfg.Logger != nil {
			d.logger = cfg.Logger
		}
	}
	return d
}

// Next returns the next event, or io.EOF once the turn's stream is over.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := d.buf[:i]
			d.buf = d.buf[i+1:]
			if ev, ok := d.decodeRecord(line); ok {
				return d.emit(ev), nil
			}
			continue
		}
		if d.eof {
			line := d.buf
			d.buf = nil
			d.finish()
			if ev, ok := d.decodeRecord(line); ok {
				return ev, nil
			}
			return Event{}, io.EOF
		}
		if len(d.buf) > d.maxRecord {
			d.finish()
			return Event{}, ErrRecordTooLarge
		}
		if err := d.fill(); err != nil {
			d.finish()
			return Event{}, err
		}
	}
}

// All ranges over the remaining events. The body is closed when the loop
// ends, including when the caller breaks out early.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		defer d.Close()
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the body. Safe to call more than once.
func (d *Decoder) Close() error {
	d.done = true
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}

func (d *Decoder) finish() {
	if err := d.Close(); err != nil {
		d.logger.Debug("Failed to close event stream body", "error", err)
	}
}

func (d *Decoder) emit(ev Event) Event {
	if ev.Type == EventTypeInterrupt {
		// The agent is suspended; nothing after this belongs to the turn.
		d.buf = nil
		d.finish()
	}
	return ev
}

func (d *Decoder) fill() error {
	if len(d.buf) > 0 && cap(d.buf)-len(d.buf) < len(d.chunk) {
		// compact so the carry-over does not pin old chunks
		d.buf = append(make([]byte, 0, len(d.buf)+len(d.chunk)), d.buf...)
	}
	n, err := d.body.Read(d.chunk)
	d.buf = append(d.buf, d.chunk[:n]...)
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	if err != nil {
		return xerrors.Errorf("failed to read event stream: %w", err)
	}
	return nil
}

func (d *Decoder) decodeRecord(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, []byte(DataMarker)) {
		return Event{}, false
	}
	raw := strings.TrimSpace(string(line[len(DataMarker):]))
	if raw == "" {
		return Event{}, false
	}
	return d.decodePayload(raw)
}

// decodePayload never loses data: anything that is not a well-formed
// protocol object comes back as a token carrying the raw text.
func (d *Decoder) decodePayload(raw string) (Event, bool) {
	if !gjson.Valid(raw) {
		return Token(raw), true
	}
	res := gjson.Parse(raw)
	if res.Type == gjson.String {
		return Token(res.String()), true
	}
	if !res.IsObject() {
		return Token(raw), true
	}

	typ := res.Get("type")
	switch EventType(typ.String()) {
	case EventTypeToken:
		return Token(res.Get("content").String()), true
	case EventTypeNodeStart:
		return NodeStart(res.Get("node").String()), true
	case EventTypeInterrupt:
		content := res.Get("content")
		if !content.IsObject() {
			d.logger.Warn("Interrupt event without content object, keeping it as text")
			return Token(raw), true
		}
		var ic chat.InterruptContent
		if err := json.Unmarshal([]byte(content.Raw), &ic); err != nil {
			d.logger.Warn("Malformed interrupt content, keeping it as text", "error", err)
			return Token(raw), true
		}
		return Interrupt(&ic), true
	default:
		d.logger.Debug("Skipping event with unknown type", "type", typ.String())
		return Event{}, false
	}
}
