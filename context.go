package durable

import (
	"context"
	"slices"
	"time"

	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/runner"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Context is handed to workflow code. Its primitives are the only
// suspension points of a workflow; each one claims the next coordinate of
// the current scope.
type Context struct {
	context.Context
	run  *attempt
	root history.Location
	next uint64
}

func newContext(ctx context.Context, run *attempt, root history.Location) *Context {
	run.enter(root)
	return &Context{Context: ctx, run: run, root: root}
}

func (c *Context) WorkflowID() uuid.UUID { return c.run.rec.ID }

func (c *Context) Name() string { return c.run.rec.Name }

// Tags returns a copy of the workflow's tags.
func (c *Context) Tags() map[string]string {
	out := make(map[string]string, len(c.run.rec.Tags))
	for k, v := range c.run.rec.Tags {
		out[k] = v
	}
	return out
}

func (c *Context) Logger() Logger { return c.run.logger }

// Location is the scope the next primitive will be recorded under.
func (c *Context) Location() history.Location { return c.root.Child(c.next) }

func (c *Context) nextLocation() history.Location {
	loc := c.root.Child(c.next)
	c.next++
	return loc
}

// begin refuses further work once the attempt has parked or failed.
func (c *Context) begin() error {
	r := c.run
	switch {
	case r.mismatch != nil:
		return r.mismatch
	case r.infra != nil:
		return r.infra
	case r.suspend != nil:
		return ErrSuspended
	}
	if err := c.Err(); err != nil {
		return r.fail(context.Cause(c))
	}
	return nil
}

// Activity runs a registered activity once and memoizes its output. A
// failure with retry budget left parks the workflow until the backoff
// elapses; an exhausted budget returns *ActivityError.
func (c *Context) Activity(name string, input []byte) ([]byte, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	r := c.run
	loc := c.nextLocation()
	eventID := history.EventID(name, input)
	payload := history.ActivityPayload{Name: name, EventID: eventID, CreateTS: r.now()}
	version := int64(-1)

	if ev, ok := r.lookup(loc); ok {
		p, isActivity := ev.Payload.(history.ActivityPayload)
		if !isActivity || p.EventID != eventID {
			return nil, r.diverged(mismatchError(loc, "activity "+name, describeEvent(ev)))
		}
		if p.HasOutput {
			return nonNil(p.Output), nil
		}
		if p.Exhausted {
			return nil, &ActivityError{Activity: name, Attempts: p.ErrorCount, LastError: p.LastError}
		}
		if p.RetryAt > r.now() {
			return nil, r.park(suspension{state: keys.StatePending, deadline: p.RetryAt})
		}
		payload, version = p, ev.Version
	}

	def, ok := r.engine.registry.Activity(name)
	if !ok {
		return nil, r.diverged(cloneError(ErrUnknownActivity, "", nil, map[string]any{
			"activity": name,
			"location": loc.String(),
		}))
	}

	start := time.Now()
	out, err := c.runActivity(def, loc, input, payload.ErrorCount+1)
	if err == nil {
		r.engine.metrics.RecordActivity(name, "success", time.Since(start))
		payload.Output, payload.HasOutput, payload.RetryAt = out, true, 0
		if werr := r.write(c, loc, version+1, payload); werr != nil {
			return nil, r.fail(werr)
		}
		return nonNil(out), nil
	}
	if c.Err() != nil {
		return nil, r.fail(context.Cause(c))
	}

	payload.ErrorCount++
	payload.LastError = err.Error()
	logger := withLoggerFields(r.logger, map[string]any{
		"activity":    name,
		"location":    loc.String(),
		"error_count": payload.ErrorCount,
	})
	if payload.ErrorCount >= def.Retry.MaxAttempts {
		r.engine.metrics.RecordActivity(name, "exhausted", time.Since(start))
		payload.Exhausted = true
		payload.RetryAt = 0
		if werr := r.write(c, loc, version+1, payload); werr != nil {
			return nil, r.fail(werr)
		}
		logger.Warn("activity retry budget exhausted: %v", err)
		return nil, &ActivityError{Activity: name, Attempts: payload.ErrorCount, LastError: payload.LastError}
	}

	r.engine.metrics.RecordActivity(name, "retry", time.Since(start))
	payload.RetryAt = r.now() + activityBackoff(def.Retry, payload.ErrorCount).Milliseconds()
	if werr := r.write(c, loc, version+1, payload); werr != nil {
		return nil, r.fail(werr)
	}
	logger.Warn("activity failed, retrying at %d: %v", payload.RetryAt, err)
	return nil, r.park(suspension{state: keys.StatePending, deadline: payload.RetryAt})
}

func (c *Context) runActivity(def ActivityDefinition, loc history.Location, input []byte, attemptNo int) ([]byte, error) {
	ctx := c.Context
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	ctx, span := c.run.engine.tracer.Start(ctx, "durable.activity", trace.WithAttributes(
		attribute.String("activity.name", def.Name),
		attribute.String("workflow.id", c.run.rec.ID.String()),
		attribute.String("location", loc.String()),
		attribute.Int("activity.attempt", attemptNo),
	))
	defer span.End()

	var out []byte
	err := capturePanic("activity "+def.Name, func() error {
		var err error
		out, err = def.Handler(ctx, input)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activity failed")
	}
	return out, err
}

func activityBackoff(policy RetryPolicy, errorCount int) time.Duration {
	strategy := runner.ExponentialBackoffStrategy{
		Base:   policy.InitialBackoff,
		Factor: 2,
		Max:    policy.MaxBackoff,
	}
	return strategy.SleepDuration(errorCount-1, nil)
}

// SignalSend publishes a signal from inside a workflow. The signal id is
// derived from the workflow id and location, so replays publish nothing
// new.
func (c *Context) SignalSend(target SignalTarget, name string, body []byte) (uuid.UUID, error) {
	if err := c.begin(); err != nil {
		return uuid.Nil, err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		p, isSend := ev.Payload.(history.SignalSendPayload)
		if !isSend || p.Name != name {
			return uuid.Nil, r.diverged(mismatchError(loc, "signal_send "+name, describeEvent(ev)))
		}
		if p.TargetMissing {
			return uuid.Nil, signalTargetMissing(p.TargetID, name)
		}
		return p.SignalID, nil
	}
	if err := target.validate(); err != nil {
		return uuid.Nil, err
	}
	if err := validateName("signal", name); err != nil {
		return uuid.Nil, err
	}
	if target.WorkflowID != uuid.Nil {
		_, ok, err := r.engine.loadWorkflow(c, target.WorkflowID)
		if err != nil {
			return uuid.Nil, r.fail(err)
		}
		if !ok {
			// the refusal is recorded so replay never publishes to a target
			// created after this attempt
			missing := history.SignalSendPayload{Name: name, TargetID: target.WorkflowID, TargetMissing: true}
			if err := r.write(c, loc, 0, missing); err != nil {
				return uuid.Nil, r.fail(err)
			}
			return uuid.Nil, signalTargetMissing(target.WorkflowID, name)
		}
	}

	id := uuid.NewSHA1(r.rec.ID, []byte("signal_send:"+loc.String()))
	rec := keys.SignalRecord{
		ID:         id,
		TargetID:   target.WorkflowID,
		TargetName: target.WorkflowName,
		Tags:       target.Tags,
		Name:       name,
		Body:       body,
		CreateTS:   r.now(),
		SenderID:   r.rec.ID,
	}
	payload := history.SignalSendPayload{
		SignalID:   id,
		Name:       name,
		TargetID:   target.WorkflowID,
		TargetName: target.WorkflowName,
		Tags:       target.Tags,
	}
	cmd := outboxCommand{Kind: commandPublishSignal, Signal: &rec}
	if err := r.write(c, loc, 0, payload, cmd); err != nil {
		return uuid.Nil, r.fail(err)
	}
	return id, nil
}

// Signal is a consumed signal.
type Signal struct {
	ID   uuid.UUID
	Name string
	Body []byte
}

// WaitForSignal parks until a signal with one of names arrives and returns
// it. Each signal is delivered to exactly one wait.
func (c *Context) WaitForSignal(names ...string) (Signal, error) {
	if err := c.begin(); err != nil {
		return Signal{}, err
	}
	sorted, err := signalNames(names)
	if err != nil {
		return Signal{}, err
	}
	loc := c.nextLocation()
	sig, received, err := c.awaitSignal(loc, sorted)
	if err != nil {
		return Signal{}, err
	}
	if !received {
		return Signal{}, c.run.park(suspension{state: keys.StateWaitingForSignal, signals: sorted})
	}
	return sig, nil
}

// WaitForSignalUntil waits for a signal but gives up at deadline. It
// returns false when the deadline won.
func (c *Context) WaitForSignalUntil(deadline time.Time, names ...string) (Signal, bool, error) {
	if err := c.begin(); err != nil {
		return Signal{}, false, err
	}
	sorted, err := signalNames(names)
	if err != nil {
		return Signal{}, false, err
	}
	r := c.run
	sleepLoc := c.nextLocation()
	sigLoc := c.nextLocation()

	sleep, version, err := c.loadSleep(sleepLoc, deadline.UnixMilli(), false)
	if err != nil {
		return Signal{}, false, err
	}
	switch sleep.State {
	case history.SleepInterrupted:
		ev, ok := r.lookup(sigLoc)
		p, isSig := ev.Payload.(history.SignalPayload)
		if !ok || !isSig || !p.Received {
			found := "no event"
			if ok {
				found = describeEvent(ev)
			}
			return Signal{}, false, r.diverged(mismatchError(sigLoc, "received signal", found))
		}
		return Signal{ID: p.SignalID, Name: p.Name, Body: p.Body}, true, nil
	case history.SleepComplete:
		r.lookup(sigLoc)
		return Signal{}, false, nil
	}

	sig, received, err := c.awaitSignal(sigLoc, sorted)
	if err != nil {
		return Signal{}, false, err
	}
	if received {
		sleep.State = history.SleepInterrupted
		if err := r.write(c, sleepLoc, version+1, sleep); err != nil {
			return Signal{}, false, r.fail(err)
		}
		return sig, true, nil
	}
	if r.now() >= sleep.DeadlineTS {
		sleep.State = history.SleepComplete
		if err := r.write(c, sleepLoc, version+1, sleep); err != nil {
			return Signal{}, false, r.fail(err)
		}
		return Signal{}, false, nil
	}
	return Signal{}, false, r.park(suspension{
		state:    keys.StateWaitingForSignal,
		signals:  sorted,
		deadline: sleep.DeadlineTS,
	})
}

// awaitSignal replays or claims the signal recorded at loc. It writes an
// unreceived placeholder the first time nothing can be claimed.
func (c *Context) awaitSignal(loc history.Location, names []string) (Signal, bool, error) {
	r := c.run
	version := int64(-1)
	if ev, ok := r.lookup(loc); ok {
		p, isSig := ev.Payload.(history.SignalPayload)
		if !isSig || !slices.Equal(p.Names, names) {
			return Signal{}, false, r.diverged(mismatchError(loc, "signal wait", describeEvent(ev)))
		}
		if p.Received {
			return Signal{ID: p.SignalID, Name: p.Name, Body: p.Body}, true, nil
		}
		version = ev.Version
	}

	var (
		sig   keys.SignalRecord
		found bool
	)
	err := r.transact(c, func(tx oki.Tx) error {
		var err error
		sig, found, err = claimSignalTx(c, tx, r.rec, names, loc.Path())
		return err
	})
	if err != nil {
		return Signal{}, false, r.fail(err)
	}
	if found {
		payload := history.SignalPayload{
			Names:    names,
			Received: true,
			SignalID: sig.ID,
			Name:     sig.Name,
			Body:     sig.Body,
		}
		if err := r.write(c, loc, version+1, payload); err != nil {
			return Signal{}, false, r.fail(err)
		}
		return Signal{ID: sig.ID, Name: sig.Name, Body: sig.Body}, true, nil
	}
	if version < 0 {
		if err := r.write(c, loc, 0, history.SignalPayload{Names: names}); err != nil {
			return Signal{}, false, r.fail(err)
		}
	}
	return Signal{}, false, nil
}

func signalNames(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, cloneError(ErrInvalidInput, "at least one signal name required", nil, nil)
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, name := range sorted {
		if err := validateName("signal", name); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

// DispatchSubWorkflow creates a child workflow. The child id is derived
// from the parent id and location.
func (c *Context) DispatchSubWorkflow(name string, input []byte, tags map[string]string) (uuid.UUID, error) {
	if err := c.begin(); err != nil {
		return uuid.Nil, err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		p, isSub := ev.Payload.(history.SubWorkflowPayload)
		if !isSub || p.Wait || p.Name != name {
			return uuid.Nil, r.diverged(mismatchError(loc, "sub_workflow "+name, describeEvent(ev)))
		}
		return p.SubWorkflowID, nil
	}
	def, ok := r.engine.registry.Workflow(name)
	if !ok {
		return uuid.Nil, cloneError(ErrUnknownWorkflow, "", nil, map[string]any{"workflow": name})
	}
	if err := def.validateTags(tags); err != nil {
		return uuid.Nil, err
	}

	id := uuid.NewSHA1(r.rec.ID, []byte("sub:"+loc.String()))
	cmd := outboxCommand{Kind: commandDispatch, Dispatch: &dispatchRequest{
		ID:         id,
		Name:       name,
		Input:      input,
		Tags:       tags,
		ParentID:   r.rec.ID,
		ParentName: r.rec.Name,
	}}
	if err := r.write(c, loc, 0, history.SubWorkflowPayload{SubWorkflowID: id, Name: name}, cmd); err != nil {
		return uuid.Nil, r.fail(err)
	}
	return id, nil
}

// WaitForSubWorkflow parks until the workflow id is terminal. A Complete
// child returns its output; a Failed or Dead child returns
// *SubWorkflowError.
func (c *Context) WaitForSubWorkflow(id uuid.UUID) ([]byte, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	r := c.run
	loc := c.nextLocation()
	version := int64(-1)
	payload := history.SubWorkflowPayload{SubWorkflowID: id, Wait: true}
	if ev, ok := r.lookup(loc); ok {
		p, isSub := ev.Payload.(history.SubWorkflowPayload)
		if !isSub || !p.Wait || p.SubWorkflowID != id {
			return nil, r.diverged(mismatchError(loc, "sub_workflow wait "+id.String(), describeEvent(ev)))
		}
		if p.Done {
			return subWorkflowOutcome(p)
		}
		payload, version = p, ev.Version
	}

	child, ok, err := r.engine.loadWorkflow(c, id)
	if err != nil {
		return nil, r.fail(err)
	}
	if !ok {
		payload.Done, payload.NotFound = true, true
		if err := r.write(c, loc, version+1, payload); err != nil {
			return nil, r.fail(err)
		}
		return subWorkflowOutcome(payload)
	}
	payload.Name = child.Name
	if child.State.Terminal() {
		payload.Done = true
		payload.State = string(child.State)
		payload.Output = child.Output
		payload.HasOutput = child.HasOutput
		payload.Error = child.Error
		if err := r.write(c, loc, version+1, payload); err != nil {
			return nil, r.fail(err)
		}
		return subWorkflowOutcome(payload)
	}
	if version < 0 {
		if err := r.write(c, loc, 0, payload); err != nil {
			return nil, r.fail(err)
		}
	}
	return nil, r.park(suspension{state: keys.StateWaitingForSubWorkflow, subWorkflowID: id})
}

func subWorkflowOutcome(p history.SubWorkflowPayload) ([]byte, error) {
	if p.NotFound {
		return nil, notFoundError(p.SubWorkflowID)
	}
	if keys.WorkflowState(p.State) == keys.StateComplete {
		if p.HasOutput {
			return nonNil(p.Output), nil
		}
		return nil, nil
	}
	return nil, &SubWorkflowError{
		WorkflowID: p.SubWorkflowID,
		Name:       p.Name,
		State:      keys.WorkflowState(p.State),
		Message:    p.Error,
	}
}

// Sleep parks for d. The deadline is fixed when the sleep is first
// recorded.
func (c *Context) Sleep(d time.Duration) error {
	return c.sleep(func(now int64) int64 { return now + d.Milliseconds() })
}

// SleepUntil parks until t. A deadline already in the past completes
// immediately.
func (c *Context) SleepUntil(t time.Time) error {
	return c.sleep(func(int64) int64 { return t.UnixMilli() })
}

func (c *Context) sleep(deadline func(now int64) int64) error {
	if err := c.begin(); err != nil {
		return err
	}
	r := c.run
	loc := c.nextLocation()
	now := r.now()
	var target int64
	if ev, ok := r.log.At(loc); ok {
		if p, isSleep := ev.Payload.(history.SleepPayload); isSleep {
			target = p.DeadlineTS
		}
	} else {
		target = deadline(now)
	}
	p, version, err := c.loadSleep(loc, target, true)
	if err != nil {
		return err
	}
	switch p.State {
	case history.SleepComplete, history.SleepInterrupted:
		return nil
	}
	if now >= p.DeadlineTS {
		p.State = history.SleepComplete
		if err := r.write(c, loc, version+1, p); err != nil {
			return r.fail(err)
		}
		return nil
	}
	return r.park(suspension{state: keys.StateSleeping, deadline: p.DeadlineTS})
}

// loadSleep replays the Sleep event at loc or records a new one. When
// completeLate is set a new sleep whose deadline has passed is recorded
// Complete directly.
func (c *Context) loadSleep(loc history.Location, deadline int64, completeLate bool) (history.SleepPayload, int64, error) {
	r := c.run
	if ev, ok := r.lookup(loc); ok {
		p, isSleep := ev.Payload.(history.SleepPayload)
		if !isSleep {
			return history.SleepPayload{}, 0, r.diverged(mismatchError(loc, "sleep", describeEvent(ev)))
		}
		return p, ev.Version, nil
	}
	p := history.SleepPayload{DeadlineTS: deadline, State: history.SleepNormal}
	if completeLate && deadline <= r.now() {
		p.State = history.SleepComplete
	}
	if err := r.write(c, loc, 0, p); err != nil {
		return history.SleepPayload{}, 0, r.fail(err)
	}
	return p, 0, nil
}

// LoopFunc runs one loop iteration. Returning done ends the loop and next
// becomes the loop's output; otherwise next is the state of the following
// iteration.
type LoopFunc func(ctx *Context, iteration uint64, state []byte) (next []byte, done bool, err error)

// Loop runs body until it reports done, checkpointing the state after
// every iteration. Replay resumes at the last checkpoint.
func (c *Context) Loop(initial []byte, body LoopFunc) ([]byte, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	r := c.run
	loc := c.nextLocation()
	payload := history.LoopPayload{State: initial}
	version := int64(-1)
	if ev, ok := r.lookup(loc); ok {
		p, isLoop := ev.Payload.(history.LoopPayload)
		if !isLoop {
			return nil, r.diverged(mismatchError(loc, "loop", describeEvent(ev)))
		}
		if p.Done {
			return nonNil(p.Output), nil
		}
		payload, version = p, ev.Version
	} else {
		if err := r.write(c, loc, 0, payload); err != nil {
			return nil, r.fail(err)
		}
		version = 0
	}

	for {
		iteration := newContext(c.Context, r, loc.Child(payload.Iteration))
		next, done, err := body(iteration, payload.Iteration, payload.State)
		if err != nil {
			return nil, err
		}
		if err := c.begin(); err != nil {
			return nil, err
		}
		version++
		if done {
			payload.Output, payload.Done = next, true
			payload.Iteration++
			if err := r.write(c, loc, version, payload); err != nil {
				return nil, r.fail(err)
			}
			return nonNil(next), nil
		}
		payload.State = next
		payload.Iteration++
		if err := r.write(c, loc, version, payload); err != nil {
			return nil, r.fail(err)
		}
	}
}

// Branch records a labelled scope and runs fn inside it, so the calls fn
// makes are addressed independently of sibling branches.
func (c *Context) Branch(label string, fn func(*Context) error) error {
	if err := c.begin(); err != nil {
		return err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		p, isBranch := ev.Payload.(history.BranchPayload)
		if !isBranch || p.Label != label {
			return r.diverged(mismatchError(loc, "branch "+label, describeEvent(ev)))
		}
	} else if err := r.write(c, loc, 0, history.BranchPayload{Label: label}); err != nil {
		return r.fail(err)
	}
	return fn(newContext(c.Context, r, loc))
}

// VersionCheck records version the first time it runs and returns the
// recorded version on every replay, letting code keep old paths alive for
// workflows started under an earlier version.
func (c *Context) VersionCheck(version int) (int, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		p, isCheck := ev.Payload.(history.VersionCheckPayload)
		if !isCheck {
			return 0, r.diverged(mismatchError(loc, "version_check", describeEvent(ev)))
		}
		return p.Version, nil
	}
	if err := r.write(c, loc, 0, history.VersionCheckPayload{Version: version}); err != nil {
		return 0, r.fail(err)
	}
	return version, nil
}

// Removed stands in for a primitive deleted from workflow code. It accepts
// the original event (or an earlier Removed marker) at its coordinate and
// records a marker when there is none.
func (c *Context) Removed(kind history.EventType, name string) error {
	if err := c.begin(); err != nil {
		return err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		if p, isRemoved := ev.Payload.(history.RemovedPayload); isRemoved {
			if p.OriginalType == kind {
				return nil
			}
		} else if ev.Type() == kind && (name == "" || eventName(ev) == name) {
			return nil
		}
		return r.diverged(mismatchError(loc, "removed "+kind.String(), describeEvent(ev)))
	}
	if err := r.write(c, loc, 0, history.RemovedPayload{Name: name, OriginalType: kind}); err != nil {
		return r.fail(err)
	}
	return nil
}

// MessageSend publishes a fire-and-forget message on the bus topic
// MessageTopic(name). It is published at least once.
func (c *Context) MessageSend(name string, body []byte) error {
	if err := c.begin(); err != nil {
		return err
	}
	r := c.run
	loc := c.nextLocation()
	if ev, ok := r.lookup(loc); ok {
		p, isMessage := ev.Payload.(history.MessageSendPayload)
		if !isMessage || p.Name != name {
			return r.diverged(mismatchError(loc, "message "+name, describeEvent(ev)))
		}
		return nil
	}
	if err := validateName("message", name); err != nil {
		return err
	}
	cmd := outboxCommand{Kind: commandPublishMessage, Message: &messageRequest{Name: name, Body: body}}
	if err := r.write(c, loc, 0, history.MessageSendPayload{Name: name}, cmd); err != nil {
		return r.fail(err)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
