package keys

import (
	"sort"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle state persisted on the workflow row.
type WorkflowState string

const (
	StatePending               WorkflowState = "pending"
	StateRunning               WorkflowState = "running"
	StateSleeping              WorkflowState = "sleeping"
	StateWaitingForSignal      WorkflowState = "waiting_for_signal"
	StateWaitingForSubWorkflow WorkflowState = "waiting_for_sub_workflow"
	StateComplete              WorkflowState = "complete"
	StateFailed                WorkflowState = "failed"
	StateDead                  WorkflowState = "dead"
)

// Terminal reports whether no further progress is possible.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateDead:
		return true
	default:
		return false
	}
}

// WaitRecord remembers what a suspended workflow registered so the
// registrations can be removed on resume or cancel.
type WaitRecord struct {
	Signals       []string  `json:"signals,omitempty"`
	RegisteredTS  int64     `json:"registered_ts,omitempty"`
	SubWorkflowID uuid.UUID `json:"sub_workflow_id"`
	DeadlineTS    int64     `json:"deadline_ts,omitempty"`
}

// WorkflowRecord is the value stored under ("workflow", id).
type WorkflowRecord struct {
	ID            uuid.UUID         `json:"id"`
	Name          string            `json:"name"`
	CreateTS      int64             `json:"create_ts"`
	UpdateTS      int64             `json:"update_ts"`
	TerminalTS    int64             `json:"terminal_ts,omitempty"`
	Input         []byte            `json:"input,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	State         WorkflowState     `json:"state"`
	Output        []byte            `json:"output,omitempty"`
	HasOutput     bool              `json:"has_output,omitempty"`
	Error         string            `json:"error,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	LeaseHolder   string            `json:"lease_holder,omitempty"`
	LeaseDeadline int64             `json:"lease_deadline,omitempty"`
	ParentID      uuid.UUID         `json:"parent_id"`
	Waiting       *WaitRecord       `json:"waiting,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
}

// LeaseRecord is the value stored under ("lease", id).
type LeaseRecord struct {
	WorkerID  string `json:"worker_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// Valid reports whether the lease is held at now (unix ms). A lease that
// expires exactly at now is expired.
func (l LeaseRecord) Valid(now int64) bool {
	return l.WorkerID != "" && now < l.ExpiresAt
}

// SignalRecord is a published signal, either addressed to a workflow id or
// to a (workflow name, tags) pattern.
type SignalRecord struct {
	ID         uuid.UUID         `json:"id"`
	TargetID   uuid.UUID         `json:"target_id"`
	TargetName string            `json:"target_name,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Name       string            `json:"name"`
	Body       []byte            `json:"body,omitempty"`
	CreateTS   int64             `json:"create_ts"`
	SenderID   uuid.UUID         `json:"sender_id"`
	Consumed   bool              `json:"consumed,omitempty"`
	ClaimedBy  uuid.UUID         `json:"claimed_by"`
	ClaimedAt  []uint64          `json:"claimed_at,omitempty"`
}

// Tagged reports whether the signal targets a tag pattern.
func (s SignalRecord) Tagged() bool {
	return s.TargetID == uuid.Nil
}

// SignalIndex records where a signal id currently lives.
type SignalIndex struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Name       string    `json:"name"`
	Tagged     bool      `json:"tagged,omitempty"`
}

// Tag is one key/value pair of a workflow tag set.
type Tag struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// TagList is a tag set in deterministic key order.
type TagList []Tag

// TagsFromMap sorts m into a TagList.
func TagsFromMap(m map[string]string) TagList {
	out := make(TagList, 0, len(m))
	for k, v := range m {
		out = append(out, Tag{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Map converts the list back into a map.
func (l TagList) Map() map[string]string {
	out := make(map[string]string, len(l))
	for _, t := range l {
		out[t.Key] = t.Value
	}
	return out
}

// SubsetOf reports whether every pair in l is present in other.
func (l TagList) SubsetOf(other map[string]string) bool {
	for _, t := range l {
		v, ok := other[t.Key]
		if !ok || v != t.Value {
			return false
		}
	}
	return true
}

// TaggedWaiter is the value of a tagged-signal routing entry.
type TaggedWaiter struct {
	WorkflowName string  `json:"workflow_name"`
	Tags         TagList `json:"tags,omitempty"`
}
