package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/pubsub"
	"github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

type cli struct {
	Config string `help:"Path to a YAML or JSON engine config." short:"c" type:"path"`

	Status     statusCmd     `cmd:"" help:"Show a workflow's status."`
	History    historyCmd    `cmd:"" help:"Print a workflow's event history."`
	Signal     signalCmd     `cmd:"" help:"Publish a signal to a workflow or to tagged workflows."`
	Cancel     cancelCmd     `cmd:"" help:"Cancel a non-terminal workflow."`
	Purge      purgeCmd      `cmd:"" help:"Delete a terminal workflow and its event store."`
	ClearTaint clearTaintCmd `cmd:"" name:"clear-taint" help:"Clear a tainted event store and reschedule the workflow."`
	Wakes      wakesCmd      `cmd:"" help:"List pending wakes for a workflow name."`
	Counters   countersCmd   `cmd:"" help:"Show the counters of a workflow name."`
	Janitor    janitorCmd    `cmd:"" help:"Purge terminal workflows past the retention window."`
}

// app carries the collaborators every command runs against.
type app struct {
	ctx    context.Context
	cfg    durable.Config
	engine *durable.Engine
	store  oki.Store
	pool   *ess.Pool
	bus    pubsub.Bus
	logger durable.Logger
	out    io.Writer
}

func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("close bus: %v", err)
		}
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("close event stores: %v", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store: %v", err)
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusCmd struct {
	ID string `arg:"" help:"Workflow ID."`
}

func (c *statusCmd) Run(a *app) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	st, err := a.engine.GetStatus(a.ctx, id)
	if err != nil {
		return err
	}
	return a.print(statusView(st))
}

type historyCmd struct {
	ID string `arg:"" help:"Workflow ID."`
}

func (c *historyCmd) Run(a *app) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	events, err := a.engine.History(a.ctx, id)
	if err != nil {
		return err
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"idx":      ev.Idx,
			"location": ev.Location.String(),
			"type":     ev.Type().String(),
			"version":  ev.Version,
			"created":  time.UnixMilli(ev.CreateTS).UTC().Format(time.RFC3339Nano),
			"payload":  ev.Payload,
		})
	}
	return a.print(out)
}

type signalCmd struct {
	Name     string            `arg:"" help:"Signal name."`
	ID       string            `help:"Target workflow ID." xor:"target"`
	Workflow string            `help:"Target workflow name for tagged delivery." xor:"target"`
	Tag      map[string]string `help:"Tag filter for tagged delivery (key=value)."`
	Body     string            `help:"Signal body."`
}

func (c *signalCmd) Run(a *app) error {
	var target durable.SignalTarget
	switch {
	case c.ID != "":
		id, err := parseID(c.ID)
		if err != nil {
			return err
		}
		target = durable.ToWorkflow(id)
	case c.Workflow != "":
		target = durable.ToTagged(c.Workflow, c.Tag)
	default:
		return fmt.Errorf("one of --id or --workflow is required")
	}
	sigID, err := a.engine.Signal(a.ctx, target, c.Name, []byte(c.Body))
	if err != nil {
		return err
	}
	return a.print(map[string]string{"signal_id": sigID.String()})
}

type cancelCmd struct {
	ID string `arg:"" help:"Workflow ID."`
}

func (c *cancelCmd) Run(a *app) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	return a.engine.Cancel(a.ctx, id)
}

type purgeCmd struct {
	ID string `arg:"" help:"Workflow ID."`
}

func (c *purgeCmd) Run(a *app) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	return a.engine.Purge(a.ctx, id)
}

type clearTaintCmd struct {
	ID string `arg:"" help:"Workflow ID."`
}

func (c *clearTaintCmd) Run(a *app) error {
	id, err := parseID(c.ID)
	if err != nil {
		return err
	}
	return a.engine.ClearTaint(a.ctx, id)
}

type wakesCmd struct {
	Name string `arg:"" help:"Workflow name."`
}

func (c *wakesCmd) Run(a *app) error {
	wakes, err := a.engine.ListWakes(a.ctx, c.Name)
	if err != nil {
		return err
	}
	out := make([]map[string]any, 0, len(wakes))
	for _, w := range wakes {
		row := map[string]any{
			"workflow_id": w.WorkflowID.String(),
			"variant":     string(w.Variant),
			"due":         time.UnixMilli(w.TS).UTC().Format(time.RFC3339Nano),
		}
		if w.Ref != uuid.Nil {
			row["ref"] = w.Ref.String()
		}
		out = append(out, row)
	}
	return a.print(out)
}

type countersCmd struct {
	Name string `arg:"" help:"Workflow name."`
}

func (c *countersCmd) Run(a *app) error {
	counters, err := a.engine.Counters(a.ctx, c.Name)
	if err != nil {
		return err
	}
	return a.print(counters)
}

type janitorCmd struct {
	Retention time.Duration `help:"Override the configured retention window."`
	Watch     bool          `help:"Keep running on the configured schedule until interrupted."`
}

func (c *janitorCmd) Run(a *app) error {
	opts := a.cfg.JanitorOptions()
	if c.Retention > 0 {
		opts = append(opts, durable.WithRetention(c.Retention))
	}
	opts = append(opts, durable.WithJanitorLogger(a.logger))
	janitor := durable.NewJanitor(a.engine, opts...)

	if !c.Watch {
		report, err := janitor.RunOnce(a.ctx)
		if err != nil {
			return err
		}
		return a.print(report)
	}

	if err := janitor.Start(a.ctx); err != nil {
		return err
	}
	<-a.ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return janitor.Stop(stopCtx)
}

func statusView(st durable.Status) map[string]any {
	view := map[string]any{
		"id":         st.ID.String(),
		"name":       st.Name,
		"state":      string(st.State),
		"attempts":   st.Attempts,
		"created_at": st.CreatedAt.UTC(),
		"updated_at": st.UpdatedAt.UTC(),
	}
	if len(st.Tags) > 0 {
		view["tags"] = st.Tags
	}
	if st.HasOutput {
		view["output"] = string(st.Output)
	}
	if st.Error != "" {
		view["error"] = st.Error
	}
	if st.Reason != "" {
		view["reason"] = st.Reason
	}
	if st.ParentID != uuid.Nil {
		view["parent_id"] = st.ParentID.String()
	}
	if !st.TerminalAt.IsZero() {
		view["terminal_at"] = st.TerminalAt.UTC()
	}
	return view
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workflow id %q: %w", raw, err)
	}
	return id, nil
}

func newLogger(cfg durable.LogConfig) durable.Logger {
	if strings.EqualFold(cfg.Format, "json") {
		return durable.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(os.Stderr),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(cfg.Level),
		))
	}
	return durable.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(cfg.Level),
	))
}

func loadConfig(path string) (durable.Config, error) {
	if path == "" {
		return durable.ParseConfig(nil)
	}
	return durable.LoadConfig(path)
}

func main() {
	var root cli
	kctx := kong.Parse(&root,
		kong.Name("durablectl"),
		kong.Description("Inspect and operate a durable workflow engine."),
		kong.UsageOnError(),
	)

	cfg, err := loadConfig(root.Config)
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Log)
	store, err := cfg.OpenStore(ctx)
	kctx.FatalIfErrorf(err)
	pool, err := cfg.OpenPool(logger)
	kctx.FatalIfErrorf(err)
	bus, err := cfg.OpenBus()
	kctx.FatalIfErrorf(err)

	// Operator commands never run workflow code, so the registry stays empty.
	registry := durable.NewRegistry()
	kctx.FatalIfErrorf(registry.Initialize())

	opts := append(cfg.EngineOptions(), durable.WithLogger(logger))
	if bus != nil {
		opts = append(opts, durable.WithBus(bus))
	}
	engine, err := durable.New(store, pool, registry, opts...)
	kctx.FatalIfErrorf(err)

	a := &app{ctx: ctx, cfg: cfg, engine: engine, store: store, pool: pool, bus: bus, logger: logger, out: os.Stdout}
	err = kctx.Run(a)
	a.close()
	kctx.FatalIfErrorf(err)
}
