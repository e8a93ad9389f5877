package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/google/uuid"
)

type dispatchRequest struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Input      []byte            `json:"input,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	ParentID   uuid.UUID         `json:"parent_id"`
	ParentName string            `json:"parent_name,omitempty"`
}

// dispatchTx creates the workflow row and its first wake. An existing row
// with the same id and name makes the call a no-op.
func dispatchTx(ctx context.Context, tx oki.Tx, req dispatchRequest, now int64) (bool, error) {
	wk := keys.WorkflowKey{WorkflowID: req.ID}
	existing, ok, err := oki.Load(ctx, tx, wk)
	if err != nil {
		return false, err
	}
	if ok {
		if existing.Name != req.Name {
			return false, cloneError(ErrInvalidInput, "workflow id already used by another workflow", nil, map[string]any{
				"workflow_id": req.ID.String(),
				"existing":    existing.Name,
				"requested":   req.Name,
			})
		}
		return false, nil
	}
	rec := keys.WorkflowRecord{
		ID:       req.ID,
		Name:     req.Name,
		CreateTS: now,
		UpdateTS: now,
		Input:    req.Input,
		Tags:     req.Tags,
		State:    keys.StatePending,
		ParentID: req.ParentID,
	}
	if err := oki.Save(ctx, tx, wk, rec); err != nil {
		return false, err
	}
	wake := keys.WorkflowWakeKey{Name: req.Name, TS: now, WorkflowID: req.ID, Variant: keys.WakeImmediate}
	if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
		return false, err
	}
	if req.ParentID != uuid.Nil && req.ParentName != "" {
		back := keys.SubWorkflowWakeKey{SubWorkflowID: req.ID, TS: now, ParentID: req.ParentID}
		if err := oki.Save(ctx, tx, back, req.ParentName); err != nil {
			return false, err
		}
	}
	if err := tx.Add(ctx, keys.CounterKey{Name: req.Name, Metric: CounterDispatched}.Pack(), 1); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) publishSignal(ctx context.Context, rec keys.SignalRecord) error {
	var woken []string
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		var err error
		woken, err = publishSignalTx(ctx, tx, rec, e.nowMs())
		return err
	})
	if err != nil {
		return err
	}
	e.notify(ctx, woken...)
	return nil
}

// publishSignalTx stores the signal and inserts wakes for the workflows
// that can consume it. It returns the names of the woken workflows.
func publishSignalTx(ctx context.Context, tx oki.Tx, rec keys.SignalRecord, now int64) ([]string, error) {
	_, exists, err := oki.Load(ctx, tx, keys.SignalIndexKey{SignalID: rec.ID})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	if !rec.Tagged() {
		target, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: rec.TargetID})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, signalTargetMissing(rec.TargetID, rec.Name)
		}
		if err := oki.Save(ctx, tx, keys.SignalKey{WorkflowID: rec.TargetID, SignalID: rec.ID}, rec); err != nil {
			return nil, err
		}
		index := keys.SignalIndex{WorkflowID: rec.TargetID, Name: rec.Name}
		if err := oki.Save(ctx, tx, keys.SignalIndexKey{SignalID: rec.ID}, index); err != nil {
			return nil, err
		}
		if !waitingFor(target, rec.Name) {
			return nil, nil
		}
		wake := keys.WorkflowWakeKey{
			Name:       target.Name,
			TS:         now,
			WorkflowID: target.ID,
			Variant:    keys.WakeSignal,
			Ref:        rec.ID,
		}
		if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
			return nil, err
		}
		return []string{target.Name}, nil
	}

	if err := oki.Save(ctx, tx, keys.TaggedSignalKey{Name: rec.Name, SignalID: rec.ID}, rec); err != nil {
		return nil, err
	}
	index := keys.SignalIndex{Name: rec.Name, Tagged: true}
	if err := oki.Save(ctx, tx, keys.SignalIndexKey{SignalID: rec.ID}, index); err != nil {
		return nil, err
	}
	waiters, err := oki.ScanSubspace(ctx, tx, keys.TaggedSignalWakeSubspace(rec.Name), oki.RangeOptions{})
	if err != nil {
		return nil, err
	}
	var woken []string
	for _, kv := range waiters {
		k, err := keys.UnpackTaggedSignalWakeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		waiter, err := k.DeserializeValue(kv.Value)
		if err != nil {
			return nil, err
		}
		if rec.TargetName != "" && waiter.WorkflowName != rec.TargetName {
			continue
		}
		if !waiter.Tags.SubsetOf(rec.Tags) {
			continue
		}
		wake := keys.WorkflowWakeKey{
			Name:       waiter.WorkflowName,
			TS:         now,
			WorkflowID: k.WorkflowID,
			Variant:    keys.WakeTaggedSignal,
			Ref:        rec.ID,
		}
		if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
			return nil, err
		}
		woken = append(woken, waiter.WorkflowName)
	}
	return woken, nil
}

func waitingFor(rec keys.WorkflowRecord, signal string) bool {
	return rec.State == keys.StateWaitingForSignal && rec.Waiting != nil &&
		slices.Contains(rec.Waiting.Signals, signal)
}

// findSignalTx returns the signal a workflow would consume for names: a
// signal already claimed at loc if there is one, otherwise the oldest
// pending direct or tagged match.
func findSignalTx(ctx context.Context, tx oki.Tx, rec keys.WorkflowRecord, names []string, loc []uint64) (keys.SignalRecord, bool, bool, error) {
	var (
		best   *keys.SignalRecord
		tagged bool
	)
	direct, err := oki.ScanSubspace(ctx, tx, keys.SignalSubspace(rec.ID), oki.RangeOptions{})
	if err != nil {
		return keys.SignalRecord{}, false, false, err
	}
	for _, kv := range direct {
		s, err := keys.SignalKey{}.DeserializeValue(kv.Value)
		if err != nil {
			return keys.SignalRecord{}, false, false, err
		}
		if s.Consumed {
			if loc != nil && s.ClaimedBy == rec.ID && slices.Equal(s.ClaimedAt, loc) {
				return s, false, true, nil
			}
			continue
		}
		if !slices.Contains(names, s.Name) {
			continue
		}
		if olderSignal(s, best) {
			c := s
			best, tagged = &c, false
		}
	}

	tags := keys.TagsFromMap(rec.Tags)
	for _, name := range names {
		rows, err := oki.ScanSubspace(ctx, tx, keys.TaggedSignalSubspace(name), oki.RangeOptions{})
		if err != nil {
			return keys.SignalRecord{}, false, false, err
		}
		for _, kv := range rows {
			s, err := keys.TaggedSignalKey{}.DeserializeValue(kv.Value)
			if err != nil {
				return keys.SignalRecord{}, false, false, err
			}
			if s.TargetName != "" && s.TargetName != rec.Name {
				continue
			}
			if !tags.SubsetOf(s.Tags) {
				continue
			}
			if olderSignal(s, best) {
				c := s
				best, tagged = &c, true
			}
		}
	}
	if best == nil {
		return keys.SignalRecord{}, false, false, nil
	}
	return *best, tagged, true, nil
}

// claimSignalTx consumes the signal findSignalTx selects. A tagged signal
// moves into the claimant's inbox so no other waiter can take it.
func claimSignalTx(ctx context.Context, tx oki.Tx, rec keys.WorkflowRecord, names []string, loc []uint64) (keys.SignalRecord, bool, error) {
	sig, tagged, found, err := findSignalTx(ctx, tx, rec, names, loc)
	if err != nil || !found {
		return keys.SignalRecord{}, false, err
	}
	if sig.Consumed {
		return sig, true, nil
	}
	sig.Consumed = true
	sig.ClaimedBy = rec.ID
	sig.ClaimedAt = append([]uint64(nil), loc...)
	if tagged {
		if err := oki.Delete(ctx, tx, keys.TaggedSignalKey{Name: sig.Name, SignalID: sig.ID}); err != nil {
			return keys.SignalRecord{}, false, err
		}
		index := keys.SignalIndex{WorkflowID: rec.ID, Name: sig.Name, Tagged: true}
		if err := oki.Save(ctx, tx, keys.SignalIndexKey{SignalID: sig.ID}, index); err != nil {
			return keys.SignalRecord{}, false, err
		}
	}
	if err := oki.Save(ctx, tx, keys.SignalKey{WorkflowID: rec.ID, SignalID: sig.ID}, sig); err != nil {
		return keys.SignalRecord{}, false, err
	}
	return sig, true, nil
}

func olderSignal(s keys.SignalRecord, best *keys.SignalRecord) bool {
	if best == nil {
		return true
	}
	if s.CreateTS != best.CreateTS {
		return s.CreateTS < best.CreateTS
	}
	return bytes.Compare(s.ID[:], best.ID[:]) < 0
}

// clearRegistrations removes the waiter entries recorded in rec.Waiting.
func clearRegistrations(ctx context.Context, tx oki.Tx, rec *keys.WorkflowRecord) error {
	w := rec.Waiting
	if w == nil {
		return nil
	}
	for _, name := range w.Signals {
		k := keys.TaggedSignalWakeKey{SignalName: name, TS: w.RegisteredTS, WorkflowID: rec.ID}
		if err := oki.Delete(ctx, tx, k); err != nil {
			return err
		}
	}
	if w.SubWorkflowID != uuid.Nil {
		k := keys.SubWorkflowWakeKey{SubWorkflowID: w.SubWorkflowID, TS: w.RegisteredTS, ParentID: rec.ID}
		if err := oki.Delete(ctx, tx, k); err != nil {
			return err
		}
	}
	rec.Waiting = nil
	return nil
}

func clearWorkflowWakes(ctx context.Context, tx oki.Tx, name string, id uuid.UUID) error {
	rows, err := oki.ScanSubspace(ctx, tx, keys.WorkflowWakeSubspace(name), oki.RangeOptions{})
	if err != nil {
		return err
	}
	for _, kv := range rows {
		k, err := keys.UnpackWorkflowWakeKey(kv.Key)
		if err != nil {
			return err
		}
		if k.WorkflowID != id {
			continue
		}
		if err := tx.Clear(ctx, kv.Key); err != nil {
			return err
		}
	}
	return nil
}

// completionHookTx wakes every parent waiting on id and drops the
// back-references. It returns the parents' workflow names.
func completionHookTx(ctx context.Context, tx oki.Tx, id uuid.UUID, now int64) ([]string, error) {
	sub := keys.SubWorkflowWakeSubspace(id)
	rows, err := oki.ScanSubspace(ctx, tx, sub, oki.RangeOptions{})
	if err != nil {
		return nil, err
	}
	var parents []string
	for _, kv := range rows {
		k, err := keys.UnpackSubWorkflowWakeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		parentName, err := k.DeserializeValue(kv.Value)
		if err != nil {
			return nil, err
		}
		wake := keys.WorkflowWakeKey{
			Name:       parentName,
			TS:         now,
			WorkflowID: k.ParentID,
			Variant:    keys.WakeSubWorkflow,
			Ref:        id,
		}
		if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
			return nil, err
		}
		parents = append(parents, parentName)
	}
	return parents, oki.ClearSubspace(ctx, tx, sub)
}

type commandKind string

const (
	commandPublishSignal  commandKind = "publish_signal"
	commandDispatch       commandKind = "dispatch_workflow"
	commandPublishMessage commandKind = "publish_message"
)

// outboxCommand is an OKI side effect of a primitive, written to the ESS
// outbox together with the primitive's event.
type outboxCommand struct {
	Kind     commandKind        `json:"kind"`
	Signal   *keys.SignalRecord `json:"signal,omitempty"`
	Dispatch *dispatchRequest   `json:"dispatch,omitempty"`
	Message  *messageRequest    `json:"message,omitempty"`
}

type messageRequest struct {
	Name string `json:"name"`
	Body []byte `json:"body,omitempty"`
}

func (c outboxCommand) encode() ([]byte, error) {
	return json.Marshal(c)
}

// applyCommand performs a command. Every command is idempotent so a
// crash between apply and ack only repeats a no-op.
func (e *Engine) applyCommand(ctx context.Context, cmd outboxCommand, logger Logger) ([]string, error) {
	switch cmd.Kind {
	case commandPublishSignal:
		if cmd.Signal == nil {
			return nil, nil
		}
		var woken []string
		err := e.store.Transact(ctx, func(tx oki.Tx) error {
			var err error
			woken, err = publishSignalTx(ctx, tx, *cmd.Signal, e.nowMs())
			return err
		})
		if HasCode(err, CodeSignalTargetMissing) {
			logger.Warn("signal %s dropped: target %s no longer exists", cmd.Signal.Name, cmd.Signal.TargetID)
			return nil, nil
		}
		return woken, err
	case commandDispatch:
		if cmd.Dispatch == nil {
			return nil, nil
		}
		var created bool
		err := e.store.Transact(ctx, func(tx oki.Tx) error {
			var err error
			created, err = dispatchTx(ctx, tx, *cmd.Dispatch, e.nowMs())
			return err
		})
		if err != nil || !created {
			return nil, err
		}
		return []string{cmd.Dispatch.Name}, nil
	case commandPublishMessage:
		if cmd.Message == nil || e.bus == nil {
			return nil, nil
		}
		return nil, e.bus.Publish(ctx, MessageTopic(cmd.Message.Name), cmd.Message.Body)
	default:
		logger.Error("unknown outbox command %q skipped", cmd.Kind)
		return nil, nil
	}
}

// drainCommands applies and acks every pending outbox command of db.
// Message publishes that fail stay pending for the next attempt.
func (e *Engine) drainCommands(ctx context.Context, db *ess.DB, logger Logger) error {
	rows, err := db.PendingCommands(ctx)
	if err != nil {
		return err
	}
	var woken []string
	defer func() { e.notify(ctx, woken...) }()
	for _, row := range rows {
		var cmd outboxCommand
		if err := json.Unmarshal(row.Payload, &cmd); err != nil {
			logger.Error("outbox command %d unreadable: %v", row.Idx, err)
			if err := db.AckCommand(ctx, row.Idx); err != nil {
				return err
			}
			continue
		}
		names, err := e.applyCommand(ctx, cmd, logger)
		if err != nil {
			if cmd.Kind == commandPublishMessage {
				logger.Warn("message %s publish failed: %v", cmd.Message.Name, err)
				continue
			}
			return err
		}
		woken = append(woken, names...)
		if err := db.AckCommand(ctx, row.Idx); err != nil {
			return err
		}
	}
	return nil
}
