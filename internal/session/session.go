// Package session scopes all mutable bridge state to one conversation: the
// execution tracker, the recent-action log, and the cached view of the
// sheet's regions. A session dies with its conversation; nothing leaks into
// process-wide globals.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"gridpilot/engine/internal/contextpack"
	"gridpilot/engine/internal/dispatch"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
	"gridpilot/engine/internal/logging"
	"gridpilot/engine/internal/regions"
	"gridpilot/engine/internal/track"
)

// Command is one agent-issued instruction as delivered by the host.
type Command struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"parameters"`
}

// Notifier receives an event after each executed command.
type Notifier func(method string, params any)

// Session owns one conversation's bridge state. All command processing is
// serialized behind mu: the grid has exactly one writer, and commands run
// strictly in delivery order.
type Session struct {
	ID string

	mu         sync.Mutex
	grid       grid.API
	detector   *regions.Detector
	tracker    *track.Tracker
	dispatcher *dispatch.Dispatcher
	builder    *contextpack.Builder
	logger     *slog.Logger
	notify     Notifier

	lastPrimary *regions.Region
}

// Option adjusts a Session at construction.
type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNotifier(notify Notifier) Option {
	return func(s *Session) {
		s.notify = notify
	}
}

func WithTracker(tracker *track.Tracker) Option {
	return func(s *Session) {
		if tracker != nil {
			s.tracker = tracker
		}
	}
}

func WithDetectorConfig(cfg regions.Config) Option {
	return func(s *Session) {
		s.detector = regions.New(s.grid, cfg)
	}
}

func New(id string, g grid.API, opts ...Option) *Session {
	s := &Session{
		ID:      id,
		grid:    g,
		tracker: track.New(),
		builder: contextpack.NewBuilder(contextpack.DefaultTokenBudget),
		logger:  logging.Nop(),
	}
	s.detector = regions.New(g, regions.DefaultConfig())
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = dispatch.New(g, s, s.logger)
	return s
}

// Primary returns the current primary region, re-detecting on every call
// so mutations from earlier commands feed the next resolution. The latest
// detection is cached for diagnostics.
func (s *Session) Primary(ctx context.Context) (regions.Region, *errinfo.ErrorInfo) {
	region, errInfo := s.detector.Primary(ctx)
	if errInfo == nil {
		s.lastPrimary = &region
	}
	return region, errInfo
}

// In detects regions inside an explicit data range.
func (s *Session) In(ctx context.Context, rangeRef string) ([]regions.Region, *errinfo.ErrorInfo) {
	return s.detector.DetectIn(ctx, rangeRef)
}

// Regions detects every table on the sheet.
func (s *Session) Regions(ctx context.Context) ([]regions.Region, *errinfo.ErrorInfo) {
	return s.detector.DetectAll(ctx)
}

// Context assembles the payload for the next agent request.
func (s *Session) Context(ctx context.Context) (contextpack.Payload, *errinfo.ErrorInfo) {
	detected, errInfo := s.detector.DetectAll(ctx)
	if errInfo != nil {
		return contextpack.Payload{}, errInfo
	}
	return s.builder.Build(detected, s.tracker.RecentActions(contextpack.MaxRecentActions)), nil
}

// SubmitTurn processes one turn's command list strictly in order. Every
// command yields a Result; a failed command never aborts the rest of the
// turn, and a canceled context stops before the next command executes.
func (s *Session) SubmitTurn(ctx context.Context, commands []Command) []dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]dispatch.Result, 0, len(commands))
	for _, cmd := range commands {
		if ctx.Err() != nil {
			// Conversation aborted: unexecuted commands are simply never
			// executed, with no rollback of what already ran.
			errInfo := errinfo.ValidationFailed("turn canceled")
			results = append(results, dispatch.Result{Success: false, Message: errInfo.Error(), Err: errInfo})
			continue
		}
		results = append(results, s.executeLocked(ctx, cmd))
	}
	return results
}

// Execute processes a single command through the tracker gate.
func (s *Session) Execute(ctx context.Context, cmd Command) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(ctx, cmd)
}

func (s *Session) executeLocked(ctx context.Context, cmd Command) dispatch.Result {
	params := paramsMap(cmd.Params)
	switch s.tracker.Admit(cmd.ID, cmd.Name, params) {
	case track.SkipExecuted:
		s.logger.Debug("session.skip_executed", "command_id", cmd.ID, "op", cmd.Name)
		return dispatch.Result{Success: true, Message: "already executed", Data: map[string]any{"skipped": "executed"}}
	case track.SkipDuplicate:
		s.logger.Debug("session.skip_duplicate", "command_id", cmd.ID, "op", cmd.Name)
		return dispatch.Result{Success: true, Message: "duplicate suppressed", Data: map[string]any{"skipped": "duplicate"}}
	}

	result := s.dispatcher.Execute(ctx, cmd.Name, cmd.Params)
	switch {
	case result.Success:
		s.tracker.MarkExecuted(cmd.ID, cmd.Name, params)
		s.tracker.Record(track.Action{
			ToolName:      cmd.Name,
			Parameters:    params,
			ResultSummary: result.Message,
		})
		if s.notify != nil {
			s.notify("ActionRecorded", map[string]any{
				"session_id": s.ID,
				"command_id": cmd.ID,
				"tool_name":  cmd.Name,
				"summary":    result.Message,
			})
		}
	case result.Err != nil && result.Err.ErrorCode == errinfo.CodeEngineUnavailable:
		// Stay pending: the next delivery of this id retries.
		s.logger.Warn("session.engine_unavailable", "command_id", cmd.ID, "op", cmd.Name)
	default:
		s.tracker.MarkFailed(cmd.ID)
	}
	return result
}

// CommandState exposes the tracker state of an id, for diagnostics.
func (s *Session) CommandState(id string) track.State {
	return s.tracker.StateOf(id)
}

// RecentActions returns the action tail, oldest first.
func (s *Session) RecentActions(n int) []track.Action {
	return s.tracker.RecentActions(n)
}

func paramsMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return params
}
