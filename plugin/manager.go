package plugin

import (
	"context"
	"fmt"
	"log/slog"
)

// ErrorSink receives faults raised by individual plugin handlers. The
// dispatcher reports each fault exactly once and keeps going; a misbehaving
// plugin never aborts the exchange for the others.
type ErrorSink func(pluginName string, stage Stage, err error)

// Manager dispatches exchanges to registered plugins, stage by stage.
//
// Handlers for one stage run sequentially in registration order against the
// same context instance; this sequencing is what lets the claim token work
// without locking. Different exchanges may be dispatched concurrently.
type Manager struct {
	stages map[Stage][]Plugin
	onErr  ErrorSink
}

// NewManager creates a plugin manager. If sink is nil, faults are logged
// through slog.
func NewManager(sink ErrorSink) *Manager {
	if sink == nil {
		sink = func(name string, stage Stage, err error) {
			slog.Error("exception thrown in plugin handler", "plugin", name, "stage", stage, "error", err)
		}
	}
	return &Manager{
		stages: make(map[Stage][]Plugin),
		onErr:  sink,
	}
}

// Register registers a plugin at the given stage. Plugins registered at a
// stdio stage must implement StdioPlugin.
func (m *Manager) Register(stage Stage, p Plugin) error {
	switch stage {
	case StageBeforeRequest, StageAfterResponse, StageOnError:
	case StageBeforeStdio, StageAfterStdio:
		if _, ok := p.(StdioPlugin); !ok {
			return fmt.Errorf("plugin %s does not handle stdio exchanges", p.Name())
		}
	default:
		return fmt.Errorf("unknown plugin stage: %s", stage)
	}
	m.stages[stage] = append(m.stages[stage], p)
	slog.Info("plugin registered", "name", p.Name(), "stage", stage)
	return nil
}

// Run invokes every plugin registered at stage against pctx, in registration
// order. Each invocation is individually isolated: an error or panic is
// reported through the error sink and later plugins still run. Cancellation
// is cooperative; it is checked between handlers, never mid-handler.
func (m *Manager) Run(ctx context.Context, stage Stage, pctx *Context) {
	pctx.Stage = stage
	for _, p := range m.stages[stage] {
		if ctx.Err() != nil {
			return
		}
		if err := m.invoke(ctx, p, pctx); err != nil {
			m.onErr(p.Name(), stage, err)
		}
	}
}

// RunStdio invokes every stdio plugin registered at stage against sctx with
// the same isolation and ordering guarantees as Run.
func (m *Manager) RunStdio(ctx context.Context, stage Stage, sctx *StdioContext) {
	sctx.Stage = stage
	for _, p := range m.stages[stage] {
		if ctx.Err() != nil {
			return
		}
		sp, ok := p.(StdioPlugin)
		if !ok {
			continue
		}
		if err := m.invokeStdio(ctx, sp, sctx); err != nil {
			m.onErr(p.Name(), stage, err)
		}
	}
}

// invoke wraps one handler call in its own error boundary.
func (m *Manager) invoke(ctx context.Context, p Plugin, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Execute(ctx, pctx)
}

func (m *Manager) invokeStdio(ctx context.Context, p StdioPlugin, sctx *StdioContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.ExecuteStdio(ctx, sctx)
}

// Registered returns the number of plugins registered at stage.
func (m *Manager) Registered(stage Stage) int { return len(m.stages[stage]) }

// HasPlugins returns true if any plugins are registered at any stage.
func (m *Manager) HasPlugins() bool {
	for _, ps := range m.stages {
		if len(ps) > 0 {
			return true
		}
	}
	return false
}
