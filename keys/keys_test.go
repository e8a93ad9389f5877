package keys

import (
	"bytes"
	stderrors "errors"
	"sort"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

func TestTupleRoundTrip(t *testing.T) {
	id := uuid.New()
	in := Tuple{"wake", []byte{0x00, 0x01, 0xFF}, int64(-5), int64(0), int64(1 << 40), id, "a\x00b", ""}
	out, err := Unpack(Pack(in))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	if !bytes.Equal(out[1].([]byte), []byte{0x00, 0x01, 0xFF}) {
		t.Fatalf("byte string mismatch: %v", out[1])
	}
	if out[2].(int64) != -5 || out[3].(int64) != 0 || out[4].(int64) != 1<<40 {
		t.Fatalf("integer mismatch: %v %v %v", out[2], out[3], out[4])
	}
	if out[5].(uuid.UUID) != id {
		t.Fatalf("uuid mismatch")
	}
	if out[6].(string) != "a\x00b" || out[7].(string) != "" {
		t.Fatalf("string mismatch: %q %q", out[6], out[7])
	}
}

func TestTupleOrderingMatchesComponents(t *testing.T) {
	ints := []int64{-1 << 40, -3, -1, 0, 1, 2, 255, 256, 1 << 50}
	packed := make([][]byte, 0, len(ints))
	for i := len(ints) - 1; i >= 0; i-- {
		packed = append(packed, Pack(Tuple{"n", ints[i]}))
	}
	sort.Slice(packed, func(i, j int) bool { return bytes.Compare(packed[i], packed[j]) < 0 })
	for i, p := range packed {
		tup, err := Unpack(p)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if tup[1].(int64) != ints[i] {
			t.Fatalf("position %d: expected %d, got %d", i, ints[i], tup[1])
		}
	}

	if bytes.Compare(Pack(Tuple{"a"}), Pack(Tuple{"a\x00"})) >= 0 {
		t.Fatalf("expected shorter string to sort first")
	}
	if bytes.Compare(Pack(Tuple{"ab"}), Pack(Tuple{"b"})) >= 0 {
		t.Fatalf("expected lexicographic string order")
	}
}

func TestUnpackRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		{0x99},
		{codeInt, 0x01},
		{codeString, 'a'},
		{codeUUID, 0x01, 0x02},
	}
	for _, raw := range cases {
		_, err := Unpack(raw)
		if err == nil {
			t.Fatalf("expected error for %x", raw)
		}
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) || ge.TextCode != CodeKeyDecode {
			t.Fatalf("expected %s error, got %v", CodeKeyDecode, err)
		}
	}
}

func TestKeyRoundTrips(t *testing.T) {
	wf := uuid.New()
	sig := uuid.New()

	wk := WorkflowKey{WorkflowID: wf}
	if got, err := UnpackWorkflowKey(wk.Pack()); err != nil || got.WorkflowID != wf {
		t.Fatalf("workflow key round trip: %v %v", got, err)
	}
	lk := LeaseKey{WorkflowID: wf}
	if got, err := UnpackLeaseKey(lk.Pack()); err != nil || got.WorkflowID != wf {
		t.Fatalf("lease key round trip: %v %v", got, err)
	}
	sk := SignalKey{WorkflowID: wf, SignalID: sig}
	if got, err := UnpackSignalKey(sk.Pack()); err != nil || got.WorkflowID != wf || got.SignalID != sig {
		t.Fatalf("signal key round trip: %v %v", got, err)
	}
	tk := TaggedSignalKey{Name: "msg", SignalID: sig}
	if got, err := UnpackTaggedSignalKey(tk.Pack()); err != nil || got.Name != "msg" || got.SignalID != sig {
		t.Fatalf("tagged signal key round trip: %v %v", got, err)
	}
	ik := SignalIndexKey{SignalID: sig}
	if got, err := UnpackSignalIndexKey(ik.Pack()); err != nil || got.SignalID != sig {
		t.Fatalf("signal index round trip: %v %v", got, err)
	}
	tw := TaggedSignalWakeKey{SignalName: "msg", TS: 42, WorkflowID: wf}
	if got, err := UnpackTaggedSignalWakeKey(tw.Pack()); err != nil || got != tw {
		t.Fatalf("tagged wake round trip: %v %v", got, err)
	}
	sw := SubWorkflowWakeKey{SubWorkflowID: sig, TS: 7, ParentID: wf}
	if got, err := UnpackSubWorkflowWakeKey(sw.Pack()); err != nil || got != sw {
		t.Fatalf("sub workflow wake round trip: %v %v", got, err)
	}
	ck := CounterKey{Name: "hello", Metric: "dispatched"}
	if got, err := UnpackCounterKey(ck.Pack()); err != nil || got != ck {
		t.Fatalf("counter round trip: %v %v", got, err)
	}

	for _, variant := range []WakeVariant{WakeImmediate, WakeDeadline, WakeSubWorkflow, WakeSignal, WakeTaggedSignal} {
		k := WorkflowWakeKey{Name: "hello", TS: 1000, WorkflowID: wf, Variant: variant}
		if variant.HasRef() {
			k.Ref = sig
		}
		packed := k.Pack()
		got, err := UnpackWorkflowWakeKey(packed)
		if err != nil {
			t.Fatalf("wake %s: %v", variant, err)
		}
		if got != k {
			t.Fatalf("wake %s: expected %+v, got %+v", variant, k, got)
		}
		if !bytes.Equal(got.Pack(), packed) {
			t.Fatalf("wake %s: repack differs", variant)
		}
	}
}

func TestUnpackRejectsUnknownTails(t *testing.T) {
	wf := uuid.New()
	extended := Pack(Tuple{"workflow", wf, "extra"})
	if _, err := UnpackWorkflowKey(extended); err == nil {
		t.Fatalf("expected extended workflow key to be rejected")
	}
	wake := Pack(Tuple{"wake", "workflow", "hello", int64(1), wf, "immediate", uuid.New()})
	if _, err := UnpackWorkflowWakeKey(wake); err == nil {
		t.Fatalf("expected immediate wake with ref to be rejected")
	}
	unknown := Pack(Tuple{"wake", "workflow", "hello", int64(1), wf, "bogus"})
	if _, err := UnpackWorkflowWakeKey(unknown); err == nil {
		t.Fatalf("expected unknown wake variant to be rejected")
	}
	if _, err := UnpackLeaseKey(WorkflowKey{WorkflowID: wf}.Pack()); err == nil {
		t.Fatalf("expected workflow key to be rejected as lease key")
	}
}

func TestSubspaceRangeCoversChildren(t *testing.T) {
	wf := uuid.New()
	sub := WorkflowWakeSubspace("hello")
	begin, end := sub.Range()
	for _, ts := range []int64{-10, 0, 5, 1 << 60} {
		k := WorkflowWakeKey{Name: "hello", TS: ts, WorkflowID: wf, Variant: WakeImmediate}.Pack()
		if bytes.Compare(k, begin) < 0 || bytes.Compare(k, end) >= 0 {
			t.Fatalf("key with ts %d outside subspace range", ts)
		}
		if !sub.Contains(k) {
			t.Fatalf("subspace should contain key with ts %d", ts)
		}
	}
	other := WorkflowWakeKey{Name: "hello2", TS: 0, WorkflowID: wf, Variant: WakeImmediate}.Pack()
	if bytes.Compare(other, begin) >= 0 && bytes.Compare(other, end) < 0 {
		t.Fatalf("sibling name must fall outside the range")
	}

	_, due := DueWakeRange("hello", 5)
	onTime := WorkflowWakeKey{Name: "hello", TS: 5, WorkflowID: wf, Variant: WakeDeadline}.Pack()
	late := WorkflowWakeKey{Name: "hello", TS: 6, WorkflowID: wf, Variant: WakeDeadline}.Pack()
	if bytes.Compare(onTime, due) >= 0 {
		t.Fatalf("wake at now must be due")
	}
	if bytes.Compare(late, due) < 0 {
		t.Fatalf("wake after now must not be due")
	}
}

func TestValueCodecs(t *testing.T) {
	rec := WorkflowRecord{ID: uuid.New(), Name: "hello", State: StateSleeping, Output: []byte{}, HasOutput: true}
	k := WorkflowKey{WorkflowID: rec.ID}
	raw, err := k.SerializeValue(rec)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := k.DeserializeValue(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.ID != rec.ID || got.State != StateSleeping || !got.HasOutput {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := k.DeserializeValue([]byte("{")); err == nil {
		t.Fatalf("expected malformed value to fail")
	}

	if DecodeCounter(EncodeCounter(-3)) != -3 {
		t.Fatalf("counter round trip failed")
	}
	if DecodeCounter(nil) != 0 {
		t.Fatalf("missing counter must decode as zero")
	}
}

func TestLeaseValidity(t *testing.T) {
	lease := LeaseRecord{WorkerID: "w1", ExpiresAt: 100}
	if !lease.Valid(99) {
		t.Fatalf("lease should be valid before expiry")
	}
	if lease.Valid(100) {
		t.Fatalf("lease expiring at now must be expired")
	}
}

func TestTagSubset(t *testing.T) {
	waiter := TagsFromMap(map[string]string{"room": "5"})
	if !waiter.SubsetOf(map[string]string{"room": "5", "zone": "eu"}) {
		t.Fatalf("expected subset match")
	}
	if waiter.SubsetOf(map[string]string{"room": "7"}) {
		t.Fatalf("expected mismatch on value")
	}
	if !(TagList{}).SubsetOf(nil) {
		t.Fatalf("empty tag list is a subset of anything")
	}
}
