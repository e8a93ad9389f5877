package keys

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
)

// FormalKey is the contract every persisted key implements: it packs its
// routing tuple and owns the encoding of the value stored under it.
type FormalKey[V any] interface {
	Pack() []byte
	SerializeValue(V) ([]byte, error)
	DeserializeValue([]byte) (V, error)
}

// Empty is the value type of marker keys.
type Empty struct{}

type jsonValue[V any] struct{}

func (jsonValue[V]) SerializeValue(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonValue[V]) DeserializeValue(b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, valueError("json record", err)
	}
	return v, nil
}

type emptyValue struct{}

func (emptyValue) SerializeValue(Empty) ([]byte, error) { return []byte{}, nil }
func (emptyValue) DeserializeValue([]byte) (Empty, error) {
	return Empty{}, nil
}

type stringValue struct{}

func (stringValue) SerializeValue(v string) ([]byte, error) { return []byte(v), nil }
func (stringValue) DeserializeValue(b []byte) (string, error) {
	return string(b), nil
}

const (
	rootWorkflow      = "workflow"
	rootLease         = "lease"
	rootSignals       = "signals"
	rootTaggedSignals = "tagged_signals"
	rootSignalIndex   = "signal"
	rootWake          = "wake"
	rootCounter       = "counter"

	wakeWorkflow     = "workflow"
	wakeTaggedSignal = "tagged_signal"
	wakeSubWorkflow  = "sub_workflow"
)

// WorkflowKey addresses ("workflow", id).
type WorkflowKey struct {
	jsonValue[WorkflowRecord]
	WorkflowID uuid.UUID
}

func (k WorkflowKey) Pack() []byte {
	return Pack(Tuple{rootWorkflow, k.WorkflowID})
}

// UnpackWorkflowKey decodes a packed WorkflowKey.
func UnpackWorkflowKey(b []byte) (WorkflowKey, error) {
	t, err := unpackRooted(b, "workflow", 2, rootWorkflow)
	if err != nil {
		return WorkflowKey{}, err
	}
	id, ok := t[1].(uuid.UUID)
	if !ok {
		return WorkflowKey{}, shapeError("workflow", t)
	}
	return WorkflowKey{WorkflowID: id}, nil
}

// WorkflowSubspace covers every workflow row.
func WorkflowSubspace() Subspace {
	return NewSubspace(Tuple{rootWorkflow})
}

// LeaseKey addresses ("lease", id).
type LeaseKey struct {
	jsonValue[LeaseRecord]
	WorkflowID uuid.UUID
}

func (k LeaseKey) Pack() []byte {
	return Pack(Tuple{rootLease, k.WorkflowID})
}

// UnpackLeaseKey decodes a packed LeaseKey.
func UnpackLeaseKey(b []byte) (LeaseKey, error) {
	t, err := unpackRooted(b, "lease", 2, rootLease)
	if err != nil {
		return LeaseKey{}, err
	}
	id, ok := t[1].(uuid.UUID)
	if !ok {
		return LeaseKey{}, shapeError("lease", t)
	}
	return LeaseKey{WorkflowID: id}, nil
}

// SignalKey addresses ("signals", workflow_id, signal_id).
type SignalKey struct {
	jsonValue[SignalRecord]
	WorkflowID uuid.UUID
	SignalID   uuid.UUID
}

func (k SignalKey) Pack() []byte {
	return Pack(Tuple{rootSignals, k.WorkflowID, k.SignalID})
}

// UnpackSignalKey decodes a packed SignalKey.
func UnpackSignalKey(b []byte) (SignalKey, error) {
	t, err := unpackRooted(b, "signals", 3, rootSignals)
	if err != nil {
		return SignalKey{}, err
	}
	wf, ok1 := t[1].(uuid.UUID)
	sig, ok2 := t[2].(uuid.UUID)
	if !ok1 || !ok2 {
		return SignalKey{}, shapeError("signals", t)
	}
	return SignalKey{WorkflowID: wf, SignalID: sig}, nil
}

// SignalSubspace covers the inbox of one workflow.
func SignalSubspace(workflowID uuid.UUID) Subspace {
	return NewSubspace(Tuple{rootSignals, workflowID})
}

// TaggedSignalKey addresses ("tagged_signals", signal_name, signal_id), the
// pending list of tag-addressed signals not yet claimed by a waiter.
type TaggedSignalKey struct {
	jsonValue[SignalRecord]
	Name     string
	SignalID uuid.UUID
}

func (k TaggedSignalKey) Pack() []byte {
	return Pack(Tuple{rootTaggedSignals, k.Name, k.SignalID})
}

// UnpackTaggedSignalKey decodes a packed TaggedSignalKey.
func UnpackTaggedSignalKey(b []byte) (TaggedSignalKey, error) {
	t, err := unpackRooted(b, "tagged_signals", 3, rootTaggedSignals)
	if err != nil {
		return TaggedSignalKey{}, err
	}
	name, ok1 := t[1].(string)
	sig, ok2 := t[2].(uuid.UUID)
	if !ok1 || !ok2 {
		return TaggedSignalKey{}, shapeError("tagged_signals", t)
	}
	return TaggedSignalKey{Name: name, SignalID: sig}, nil
}

// TaggedSignalSubspace covers pending tagged signals of one name.
func TaggedSignalSubspace(name string) Subspace {
	return NewSubspace(Tuple{rootTaggedSignals, name})
}

// SignalIndexKey addresses ("signal", signal_id).
type SignalIndexKey struct {
	jsonValue[SignalIndex]
	SignalID uuid.UUID
}

func (k SignalIndexKey) Pack() []byte {
	return Pack(Tuple{rootSignalIndex, k.SignalID})
}

// UnpackSignalIndexKey decodes a packed SignalIndexKey.
func UnpackSignalIndexKey(b []byte) (SignalIndexKey, error) {
	t, err := unpackRooted(b, "signal", 2, rootSignalIndex)
	if err != nil {
		return SignalIndexKey{}, err
	}
	id, ok := t[1].(uuid.UUID)
	if !ok {
		return SignalIndexKey{}, shapeError("signal", t)
	}
	return SignalIndexKey{SignalID: id}, nil
}

// WakeVariant names the reason a workflow wake exists.
type WakeVariant string

const (
	WakeImmediate    WakeVariant = "immediate"
	WakeDeadline     WakeVariant = "deadline"
	WakeSubWorkflow  WakeVariant = "sub_workflow"
	WakeSignal       WakeVariant = "signal"
	WakeTaggedSignal WakeVariant = "tagged_signal"
)

// HasRef reports whether the variant carries a trailing id component.
func (v WakeVariant) HasRef() bool {
	switch v {
	case WakeSubWorkflow, WakeSignal, WakeTaggedSignal:
		return true
	default:
		return false
	}
}

func (v WakeVariant) valid() bool {
	switch v {
	case WakeImmediate, WakeDeadline, WakeSubWorkflow, WakeSignal, WakeTaggedSignal:
		return true
	default:
		return false
	}
}

// WorkflowWakeKey addresses ("wake", "workflow", name, ts, workflow_id,
// variant[, ref]). Ref is the signal id or sub-workflow id for the variants
// that carry one.
type WorkflowWakeKey struct {
	emptyValue
	Name       string
	TS         int64
	WorkflowID uuid.UUID
	Variant    WakeVariant
	Ref        uuid.UUID
}

func (k WorkflowWakeKey) Pack() []byte {
	t := Tuple{rootWake, wakeWorkflow, k.Name, k.TS, k.WorkflowID, string(k.Variant)}
	if k.Variant.HasRef() {
		t = append(t, k.Ref)
	}
	return Pack(t)
}

// UnpackWorkflowWakeKey decodes a packed WorkflowWakeKey.
func UnpackWorkflowWakeKey(b []byte) (WorkflowWakeKey, error) {
	t, err := Unpack(b)
	if err != nil {
		return WorkflowWakeKey{}, err
	}
	if len(t) < 6 || t[0] != rootWake || t[1] != wakeWorkflow {
		return WorkflowWakeKey{}, shapeError("wake/workflow", t)
	}
	name, ok1 := t[2].(string)
	ts, ok2 := t[3].(int64)
	id, ok3 := t[4].(uuid.UUID)
	variant, ok4 := t[5].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !WakeVariant(variant).valid() {
		return WorkflowWakeKey{}, shapeError("wake/workflow", t)
	}
	k := WorkflowWakeKey{Name: name, TS: ts, WorkflowID: id, Variant: WakeVariant(variant)}
	want := 6
	if k.Variant.HasRef() {
		want = 7
	}
	if len(t) != want {
		return WorkflowWakeKey{}, shapeError("wake/workflow", t)
	}
	if want == 7 {
		ref, ok := t[6].(uuid.UUID)
		if !ok {
			return WorkflowWakeKey{}, shapeError("wake/workflow", t)
		}
		k.Ref = ref
	}
	return k, nil
}

// WorkflowWakeSubspace covers all wakes of one workflow name, ordered by ts.
func WorkflowWakeSubspace(name string) Subspace {
	return NewSubspace(Tuple{rootWake, wakeWorkflow, name})
}

// DueWakeRange returns the scan range for wakes of name with ts <= now.
func DueWakeRange(name string, now int64) (begin, end []byte) {
	sub := WorkflowWakeSubspace(name)
	begin, _ = sub.Range()
	end = sub.Pack(Tuple{now + 1})
	return begin, end
}

// TaggedSignalWakeKey addresses ("wake", "tagged_signal", signal_name, ts,
// workflow_id), registering a waiter for tag-addressed signals.
type TaggedSignalWakeKey struct {
	jsonValue[TaggedWaiter]
	SignalName string
	TS         int64
	WorkflowID uuid.UUID
}

func (k TaggedSignalWakeKey) Pack() []byte {
	return Pack(Tuple{rootWake, wakeTaggedSignal, k.SignalName, k.TS, k.WorkflowID})
}

// UnpackTaggedSignalWakeKey decodes a packed TaggedSignalWakeKey.
func UnpackTaggedSignalWakeKey(b []byte) (TaggedSignalWakeKey, error) {
	t, err := Unpack(b)
	if err != nil {
		return TaggedSignalWakeKey{}, err
	}
	if len(t) != 5 || t[0] != rootWake || t[1] != wakeTaggedSignal {
		return TaggedSignalWakeKey{}, shapeError("wake/tagged_signal", t)
	}
	name, ok1 := t[2].(string)
	ts, ok2 := t[3].(int64)
	id, ok3 := t[4].(uuid.UUID)
	if !ok1 || !ok2 || !ok3 {
		return TaggedSignalWakeKey{}, shapeError("wake/tagged_signal", t)
	}
	return TaggedSignalWakeKey{SignalName: name, TS: ts, WorkflowID: id}, nil
}

// TaggedSignalWakeSubspace covers waiters for one signal name.
func TaggedSignalWakeSubspace(signalName string) Subspace {
	return NewSubspace(Tuple{rootWake, wakeTaggedSignal, signalName})
}

// SubWorkflowWakeKey addresses ("wake", "sub_workflow", sub_id, ts,
// parent_id) and stores the parent workflow name.
type SubWorkflowWakeKey struct {
	stringValue
	SubWorkflowID uuid.UUID
	TS            int64
	ParentID      uuid.UUID
}

func (k SubWorkflowWakeKey) Pack() []byte {
	return Pack(Tuple{rootWake, wakeSubWorkflow, k.SubWorkflowID, k.TS, k.ParentID})
}

// UnpackSubWorkflowWakeKey decodes a packed SubWorkflowWakeKey.
func UnpackSubWorkflowWakeKey(b []byte) (SubWorkflowWakeKey, error) {
	t, err := Unpack(b)
	if err != nil {
		return SubWorkflowWakeKey{}, err
	}
	if len(t) != 5 || t[0] != rootWake || t[1] != wakeSubWorkflow {
		return SubWorkflowWakeKey{}, shapeError("wake/sub_workflow", t)
	}
	sub, ok1 := t[2].(uuid.UUID)
	ts, ok2 := t[3].(int64)
	parent, ok3 := t[4].(uuid.UUID)
	if !ok1 || !ok2 || !ok3 {
		return SubWorkflowWakeKey{}, shapeError("wake/sub_workflow", t)
	}
	return SubWorkflowWakeKey{SubWorkflowID: sub, TS: ts, ParentID: parent}, nil
}

// SubWorkflowWakeSubspace covers the parents waiting on one child.
func SubWorkflowWakeSubspace(subID uuid.UUID) Subspace {
	return NewSubspace(Tuple{rootWake, wakeSubWorkflow, subID})
}

// CounterKey addresses ("counter", name, metric), an atomic little-endian
// int64 maintained with Tx.Add.
type CounterKey struct {
	Name   string
	Metric string
}

func (k CounterKey) Pack() []byte {
	return Pack(Tuple{rootCounter, k.Name, k.Metric})
}

func (CounterKey) SerializeValue(v int64) ([]byte, error) {
	return EncodeCounter(v), nil
}

func (CounterKey) DeserializeValue(b []byte) (int64, error) {
	return DecodeCounter(b), nil
}

// UnpackCounterKey decodes a packed CounterKey.
func UnpackCounterKey(b []byte) (CounterKey, error) {
	t, err := unpackRooted(b, "counter", 3, rootCounter)
	if err != nil {
		return CounterKey{}, err
	}
	name, ok1 := t[1].(string)
	metric, ok2 := t[2].(string)
	if !ok1 || !ok2 {
		return CounterKey{}, shapeError("counter", t)
	}
	return CounterKey{Name: name, Metric: metric}, nil
}

// CounterSubspace covers the counters of one workflow name.
func CounterSubspace(name string) Subspace {
	return NewSubspace(Tuple{rootCounter, name})
}

// EncodeCounter encodes v as 8 little-endian bytes.
func EncodeCounter(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(v))
	return out
}

// DecodeCounter decodes a counter value; short input is zero-extended.
func DecodeCounter(b []byte) int64 {
	var scratch [8]byte
	copy(scratch[:], b)
	return int64(binary.LittleEndian.Uint64(scratch[:]))
}

func unpackRooted(b []byte, kind string, length int, root string) (Tuple, error) {
	t, err := Unpack(b)
	if err != nil {
		return nil, err
	}
	if len(t) != length || t[0] != root {
		return nil, shapeError(kind, t)
	}
	return t, nil
}
