package offline

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrInvalidMessage is returned for frames outside the message vocabulary.
var ErrInvalidMessage = errors.New("offline: invalid message")

// ============================================================================
// Worker -> tab events
// ============================================================================

// Event is a notification broadcast from the worker to every tab.
type Event string

const (
	// EventUpdateContent tells tabs the data they render changed on the server.
	EventUpdateContent Event = "updateContent"
	// EventReload asks tabs to reload after queued writes were replayed.
	EventReload Event = "reloadThePageForMAJ"
	// EventRequestSaved tells tabs a write was queued for later replay.
	EventRequestSaved Event = "NotifyUserReqSaved"
	// EventIsVisible asks each tab whether it is visible. Tabs answer with a
	// JSON boolean.
	EventIsVisible Event = "isVisible"
	// EventUpdateWaiting tells tabs a new worker is installed and waits for
	// skipWaiting.
	EventUpdateWaiting Event = "updateWaiting"
)

var knownEvents = map[Event]bool{
	EventUpdateContent: true,
	EventReload:        true,
	EventRequestSaved:  true,
	EventIsVisible:     true,
	EventUpdateWaiting: true,
}

// Valid reports whether e belongs to the vocabulary.
func (e Event) Valid() bool { return knownEvents[e] }

// ExpectsAnswer reports whether tabs must reply with data.
func (e Event) ExpectsAnswer() bool { return e == EventIsVisible }

// Message is the frame carrying an event to one tab. Every message is
// acknowledged with a Reply carrying the same id.
type Message struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Reply acknowledges a Message. Data is set for events that expect an answer.
type Reply struct {
	ReplyTo string          `json:"replyTo"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DecodeMessage parses and validates a worker frame on the tab side.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.ID == "" || !m.Event.Valid() {
		return Message{}, fmt.Errorf("%w: event %q", ErrInvalidMessage, m.Event)
	}
	return m, nil
}

// ============================================================================
// Tab -> worker actions
// ============================================================================

// Action is a command a tab sends to the worker.
type Action string

const (
	// ActionSkipWaiting activates a waiting worker.
	ActionSkipWaiting Action = "skipWaiting"
	// ActionBgSyncPolyfill replays every non-empty queue now.
	ActionBgSyncPolyfill Action = "bgSyncPolyfill"
	// ActionSetPreCache hands the worker asset URLs harvested from the page.
	ActionSetPreCache Action = "set-preCache"
)

// ActionMessage is the frame a tab sends to trigger an action.
type ActionMessage struct {
	Action Action   `json:"action"`
	URLs   []string `json:"urls,omitempty"`
}

// Validate checks the action tag and its payload shape.
func (a ActionMessage) Validate() error {
	switch a.Action {
	case ActionSkipWaiting, ActionBgSyncPolyfill:
		if len(a.URLs) > 0 {
			return fmt.Errorf("%w: %s takes no urls", ErrInvalidMessage, a.Action)
		}
		return nil
	case ActionSetPreCache:
		if len(a.URLs) == 0 {
			return fmt.Errorf("%w: %s requires urls", ErrInvalidMessage, a.Action)
		}
		return nil
	}
	return fmt.Errorf("%w: action %q", ErrInvalidMessage, a.Action)
}

// inbound is any frame received from a tab: either a Reply or an ActionMessage.
type inbound struct {
	ReplyTo string          `json:"replyTo"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Action  Action          `json:"action"`
	URLs    []string        `json:"urls,omitempty"`
}

func decodeInbound(data []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return inbound{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	switch {
	case in.ReplyTo != "" && in.Action != "":
		return inbound{}, fmt.Errorf("%w: frame is both reply and action", ErrInvalidMessage)
	case in.ReplyTo != "":
		return in, nil
	case in.Action != "":
		return in, in.action().Validate()
	}
	return inbound{}, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
}

func (in inbound) action() ActionMessage { return ActionMessage{Action: in.Action, URLs: in.URLs} }

func (in inbound) reply() Reply { return Reply{ReplyTo: in.ReplyTo, Data: in.Data, Error: in.Error} }
