package httpapi

import (
	"reflect"
	"slices"
	"sync"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/quartz"
)

type EventType string

const (
	EventTypeMessageUpdate EventType = "message_update"
	EventTypeMessagesReset EventType = "messages_reset"
	EventTypeStatusChange  EventType = "status_change"
	EventTypeThreadsChange EventType = "threads_change"
	EventTypeError         EventType = "error"
)

type Event struct {
	Type    EventType
	Payload any
}

// EventEmitter turns engine updates into collaborator events and fans them
// out to subscribers.
type EventEmitter struct {
	mu                  sync.Mutex
	messages            []chat.Message
	status              StatusChangeBody
	threads             ThreadsChangeBody
	chans               map[int]chan Event
	chanIdx             int
	subscriptionBufSize int
	clock               quartz.Clock
}

var _ engine.Emitter = (*EventEmitter)(nil)

type EventEmitterOption func(*EventEmitter)

func WithSubscriptionBufSize(size int) EventEmitterOption {
	return func(e *EventEmitter) {
		e.subscriptionBufSize = size
	}
}

func WithClock(clock quartz.Clock) EventEmitterOption {
	return func(e *EventEmitter) {
		e.clock = clock
	}
}

// NewEventEmitter creates an emitter. Once a subscriber's buffer is full its
// channel is closed, so listeners must actively drain it.
func NewEventEmitter(opts ...EventEmitterOption) *EventEmitter {
	e := &EventEmitter{
		messages:            []chat.Message{},
		threads:             ThreadsChangeBody{Threads: []chat.Thread{}},
		chans:               make(map[int]chan Event),
		subscriptionBufSize: 1024,
		clock:               quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assumes the caller holds the lock.
func (e *EventEmitter) notifyChannels(eventType EventType, payload any) {
	chanIds := make([]int, 0, len(e.chans))
	for chanId := range e.chans {
		chanIds = append(chanIds, chanId)
	}
	for _, chanId := range chanIds {
		ch := e.chans[chanId]
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			e.unsubscribeInner(chanId)
		}
	}
}

func messageUpdate(msg chat.Message) MessageUpdateBody {
	return MessageUpdateBody{
		ID:               msg.ID,
		Role:             msg.Role,
		Content:          msg.Content,
		Timestamp:        msg.Timestamp,
		SelectionSummary: msg.SelectionSummary,
	}
}

func sameMessage(a, b chat.Message) bool {
	if a.ID != b.ID || a.Role != b.Role || a.Content != b.Content || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if a.SelectionSummary == nil || b.SelectionSummary == nil {
		return a.SelectionSummary == b.SelectionSummary
	}
	return a.SelectionSummary.Label == b.SelectionSummary.Label &&
		slices.Equal(a.SelectionSummary.Items, b.SelectionSummary.Items)
}

// EmitMessages sends one message_update per appended or changed message. A
// list that is not an extension of the previous one (a different thread was
// loaded) is sent as a single messages_reset.
func (e *EventEmitter) EmitMessages(newMessages []chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	extends := len(newMessages) >= len(e.messages)
	for i := 0; extends && i < len(e.messages); i++ {
		extends = e.messages[i].ID == newMessages[i].ID
	}
	if !extends {
		e.notifyChannels(EventTypeMessagesReset, MessagesResetBody{Messages: chat.CloneMessages(newMessages)})
		e.messages = chat.CloneMessages(newMessages)
		return
	}
	for i, msg := range newMessages {
		if i < len(e.messages) && sameMessage(e.messages[i], msg) {
			continue
		}
		e.notifyChannels(EventTypeMessageUpdate, messageUpdate(msg))
	}
	e.messages = chat.CloneMessages(newMessages)
}

func (e *EventEmitter) EmitStatus(status engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	body := StatusChangeBody(status)
	if reflect.DeepEqual(e.status, body) {
		return
	}
	e.notifyChannels(EventTypeStatusChange, body)
	e.status = body
}

func (e *EventEmitter) EmitThreads(threads []chat.Thread) {
	e.mu.Lock()
	defer e.mu.Unlock()

	body := ThreadsChangeBody{Threads: append([]chat.Thread{}, threads...)}
	for _, t := range threads {
		if t.IsActive {
			body.ActiveThreadID = t.ID
		}
	}
	if reflect.DeepEqual(e.threads, body) {
		return
	}
	e.notifyChannels(EventTypeThreadsChange, body)
	e.threads = body
}

// EmitError reports a failure that has no place in the transcript.
func (e *EventEmitter) EmitError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notifyChannels(EventTypeError, ErrorBody{Message: message, Time: e.clock.Now()})
}

// Assumes the caller holds the lock.
func (e *EventEmitter) currentStateAsEvents() []Event {
	events := make([]Event, 0, len(e.messages)+2)
	events = append(events, Event{Type: EventTypeThreadsChange, Payload: e.threads})
	for _, msg := range e.messages {
		events = append(events, Event{Type: EventTypeMessageUpdate, Payload: messageUpdate(msg)})
	}
	events = append(events, Event{Type: EventTypeStatusChange, Payload: e.status})
	return events
}

// Subscribe returns:
// - a subscription ID that can be used to unsubscribe.
// - a channel for receiving events.
// - a list of events that recreate the state right before the subscription was created.
func (e *EventEmitter) Subscribe() (int, <-chan Event, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stateEvents := e.currentStateAsEvents()

	ch := make(chan Event, e.subscriptionBufSize)
	e.chans[e.chanIdx] = ch
	e.chanIdx++
	return e.chanIdx - 1, ch, stateEvents
}

// Assumes the caller holds the lock.
func (e *EventEmitter) unsubscribeInner(chanId int) {
	close(e.chans[chanId])
	delete(e.chans, chanId)
}

func (e *EventEmitter) Unsubscribe(chanId int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.chans[chanId]; ok {
		e.unsubscribeInner(chanId)
	}
}
