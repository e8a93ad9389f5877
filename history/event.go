package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/goliatone/go-durable/ess"
	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// EventType is the stored kind of an event.
type EventType int

const (
	EventActivity EventType = iota + 1
	EventSignal
	EventSignalSend
	EventMessageSend
	EventSubWorkflow
	EventLoop
	EventSleep
	EventBranch
	EventRemoved
	EventVersionCheck
)

func (t EventType) String() string {
	switch t {
	case EventActivity:
		return "activity"
	case EventSignal:
		return "signal"
	case EventSignalSend:
		return "signal_send"
	case EventMessageSend:
		return "message_send"
	case EventSubWorkflow:
		return "sub_workflow"
	case EventLoop:
		return "loop"
	case EventSleep:
		return "sleep"
	case EventBranch:
		return "branch"
	case EventRemoved:
		return "removed"
	case EventVersionCheck:
		return "version_check"
	}
	return "unknown"
}

// Payload is the type-specific body of an event.
type Payload interface {
	EventType() EventType
}

// ActivityPayload memoizes an activity call. HasOutput separates an empty
// result from a result that has not been produced yet.
type ActivityPayload struct {
	Name       string `json:"name"`
	EventID    string `json:"event_id"`
	CreateTS   int64  `json:"create_ts"`
	Output     []byte `json:"output,omitempty"`
	HasOutput  bool   `json:"has_output"`
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	RetryAt    int64  `json:"retry_at,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
}

// SignalPayload records a signal wait. It is written unreceived when the
// wait starts and rewritten once a signal has been claimed.
type SignalPayload struct {
	Names    []string  `json:"names"`
	Received bool      `json:"received"`
	SignalID uuid.UUID `json:"signal_id"`
	Name     string    `json:"name,omitempty"`
	Body     []byte    `json:"body,omitempty"`
}

// SignalSendPayload records a published signal. TargetMissing records a
// send refused because the target workflow did not exist; nothing was
// published for it.
type SignalSendPayload struct {
	SignalID      uuid.UUID         `json:"signal_id"`
	Name          string            `json:"name"`
	TargetID      uuid.UUID         `json:"target_id"`
	TargetName    string            `json:"target_name,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	TargetMissing bool              `json:"target_missing,omitempty"`
}

// MessageSendPayload records a fire-and-forget message.
type MessageSendPayload struct {
	Name string `json:"name"`
}

// SubWorkflowPayload records either a dispatch (Wait false) or a wait on a
// child (Wait true). A wait is rewritten with the child's outcome once it
// is terminal, or with NotFound when the child did not exist.
type SubWorkflowPayload struct {
	SubWorkflowID uuid.UUID `json:"sub_workflow_id"`
	Name          string    `json:"name"`
	Wait          bool      `json:"wait,omitempty"`
	Done          bool      `json:"done,omitempty"`
	State         string    `json:"state,omitempty"`
	Output        []byte    `json:"output,omitempty"`
	HasOutput     bool      `json:"has_output,omitempty"`
	Error         string    `json:"error,omitempty"`
	NotFound      bool      `json:"not_found,omitempty"`
}

// LoopPayload checkpoints a loop. Iteration is the next iteration to run.
type LoopPayload struct {
	State     []byte `json:"state,omitempty"`
	Iteration uint64 `json:"iteration"`
	Output    []byte `json:"output,omitempty"`
	Done      bool   `json:"done"`
}

// SleepState is the lifecycle of a Sleep event.
type SleepState string

const (
	SleepNormal      SleepState = "normal"
	SleepInterrupted SleepState = "interrupted"
	SleepComplete    SleepState = "complete"
)

type SleepPayload struct {
	DeadlineTS int64      `json:"deadline_ts"`
	State      SleepState `json:"state"`
}

type BranchPayload struct {
	Label string `json:"label"`
}

// RemovedPayload stands in for a primitive that no longer exists in code.
type RemovedPayload struct {
	Name         string    `json:"name,omitempty"`
	OriginalType EventType `json:"original_type"`
}

type VersionCheckPayload struct {
	Version int `json:"version"`
}

func (ActivityPayload) EventType() EventType     { return EventActivity }
func (SignalPayload) EventType() EventType       { return EventSignal }
func (SignalSendPayload) EventType() EventType   { return EventSignalSend }
func (MessageSendPayload) EventType() EventType  { return EventMessageSend }
func (SubWorkflowPayload) EventType() EventType  { return EventSubWorkflow }
func (LoopPayload) EventType() EventType         { return EventLoop }
func (SleepPayload) EventType() EventType        { return EventSleep }
func (BranchPayload) EventType() EventType       { return EventBranch }
func (RemovedPayload) EventType() EventType      { return EventRemoved }
func (VersionCheckPayload) EventType() EventType { return EventVersionCheck }

// Event is one decoded history entry.
type Event struct {
	Idx      int64
	Location Location
	Version  int64
	Payload  Payload
	CreateTS int64
}

// Type returns the payload's event type.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.EventType()
}

// Row encodes e for storage.
func (e Event) Row() (ess.EventRow, error) {
	raw, err := Encode(e.Payload)
	if err != nil {
		return ess.EventRow{}, err
	}
	return ess.EventRow{
		Coord:    e.Location.Pack(),
		Version:  e.Version,
		Kind:     int(e.Type()),
		Payload:  raw,
		CreateTS: e.CreateTS,
	}, nil
}

// FromRow decodes a stored row.
func FromRow(row ess.EventRow) (Event, error) {
	loc, err := ParseLocation(row.Coord)
	if err != nil {
		return Event{}, err
	}
	payload, err := Decode(EventType(row.Kind), row.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Idx:      row.Idx,
		Location: loc,
		Version:  row.Version,
		Payload:  payload,
		CreateTS: row.CreateTS,
	}, nil
}

// Encode serializes a payload.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, apperrors.New("event payload required", apperrors.CategoryBadInput)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, "encode event payload").
			WithMetadata(map[string]any{"type": p.EventType().String()})
	}
	return raw, nil
}

// Decode parses a payload of type t.
func Decode(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventActivity:
		return decodeInto[ActivityPayload](t, raw)
	case EventSignal:
		return decodeInto[SignalPayload](t, raw)
	case EventSignalSend:
		return decodeInto[SignalSendPayload](t, raw)
	case EventMessageSend:
		return decodeInto[MessageSendPayload](t, raw)
	case EventSubWorkflow:
		return decodeInto[SubWorkflowPayload](t, raw)
	case EventLoop:
		return decodeInto[LoopPayload](t, raw)
	case EventSleep:
		return decodeInto[SleepPayload](t, raw)
	case EventBranch:
		return decodeInto[BranchPayload](t, raw)
	case EventRemoved:
		return decodeInto[RemovedPayload](t, raw)
	case EventVersionCheck:
		return decodeInto[VersionCheckPayload](t, raw)
	}
	return nil, apperrors.New("unknown event type", apperrors.CategoryBadInput).
		WithMetadata(map[string]any{"type": int(t)})
}

func decodeInto[P Payload](t EventType, raw []byte) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "decode event payload").
			WithMetadata(map[string]any{"type": t.String()})
	}
	return p, nil
}

// EventID is the stable identity of an activity call: the hex SHA-256 of
// its name and serialized input.
func EventID(name string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
