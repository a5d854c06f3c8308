// Package engine is the RPC-facing facade. It owns the grid connection and
// the live sessions, translates host requests into session calls, and keeps
// every response serializable as plain JSON maps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"gridpilot/engine/internal/appdirs"
	"gridpilot/engine/internal/dispatch"
	"gridpilot/engine/internal/envutil"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
	"gridpilot/engine/internal/logging"
	"gridpilot/engine/internal/regions"
	"gridpilot/engine/internal/session"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

type Notifier func(method string, params any)

type Engine struct {
	dataDir string
	grid    grid.API
	remote  *grid.Remote
	notify  Notifier
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session

	newSessionID func() string
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithGrid injects the sheet backend, bypassing worker startup.
func WithGrid(g grid.API) Option {
	return func(e *Engine) {
		if g != nil {
			e.grid = g
		}
	}
}

func New(opts ...Option) (*Engine, error) {
	engine := &Engine{
		logger:       logging.Nop(),
		sessions:     make(map[string]*session.Session),
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(engine)
	}
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	engine.dataDir = dataDir
	if engine.grid == nil {
		if envutil.Bool("GRIDPILOT_FAKE_GRID") {
			engine.grid = grid.NewMemory()
		} else {
			remote := grid.NewRemote(engine.logger.With("component", "gridworker"))
			if err := remote.Start(); err != nil {
				return nil, fmt.Errorf("grid worker failed to start: %w (set GRIDPILOT_GRID_WORKER_CMD or GRIDPILOT_FAKE_GRID=1)", err)
			}
			engine.remote = remote
			engine.grid = remote
		}
	}
	engine.logger.Debug("engine.init", "data_dir", dataDir, "fake_grid", envutil.Bool("GRIDPILOT_FAKE_GRID"))
	return engine, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notify = notify
}

func (e *Engine) Close() error {
	if e.remote != nil {
		return e.remote.Close()
	}
	return nil
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	caps := e.grid.Capabilities()
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
		"capabilities": map[string]any{
			"insert_columns": caps.InsertColumns,
			"recalculate":    caps.Recalculate,
		},
	}, nil
}

func (e *Engine) SessionCreate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(params, &req)
	id := req.SessionID
	if id == "" {
		id = e.newSessionID()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[id]; exists {
		return nil, errinfo.ValidationFailed("session already exists: " + id)
	}
	e.sessions[id] = e.newSession(id)
	e.logger.Info("session.create", "session_id", id)
	return map[string]any{"session_id": id}, nil
}

func (e *Engine) SessionReset(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	id, errInfo := sessionID(params)
	if errInfo != nil {
		return nil, errInfo
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return nil, errinfo.SessionNotFound(id)
	}
	e.sessions[id] = e.newSession(id)
	if e.remote != nil {
		e.remote.Reset()
	}
	e.logger.Info("session.reset", "session_id", id)
	return map[string]any{"session_id": id}, nil
}

func (e *Engine) SessionClose(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	id, errInfo := sessionID(params)
	if errInfo != nil {
		return nil, errInfo
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return nil, errinfo.SessionNotFound(id)
	}
	delete(e.sessions, id)
	e.logger.Info("session.close", "session_id", id)
	return map[string]any{"closed": true}, nil
}

func (e *Engine) SheetGetRegions(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Scope     string `json:"scope"`
		DataRange string `json:"data_range"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed("invalid params")
	}
	sess, errInfo := e.session(req.SessionID)
	if errInfo != nil {
		return nil, errInfo
	}
	if req.Scope == "primary" {
		region, errInfo := sess.Primary(ctx)
		if errInfo != nil {
			return nil, errInfo
		}
		return map[string]any{"regions": []any{regionView(region)}}, nil
	}
	var (
		detected []regions.Region
		detErr   *errinfo.ErrorInfo
	)
	if req.DataRange != "" {
		detected, detErr = sess.In(ctx, req.DataRange)
	} else {
		detected, detErr = sess.Regions(ctx)
	}
	if detErr != nil {
		return nil, detErr
	}
	views := make([]any, 0, len(detected))
	for _, region := range detected {
		views = append(views, regionView(region))
	}
	return map[string]any{"regions": views}, nil
}

func (e *Engine) ContextBuild(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	id, errInfo := sessionID(params)
	if errInfo != nil {
		return nil, errInfo
	}
	sess, errInfo := e.session(id)
	if errInfo != nil {
		return nil, errInfo
	}
	payload, errInfo := sess.Context(ctx)
	if errInfo != nil {
		return nil, errInfo
	}
	return map[string]any{"context": payload}, nil
}

// CommandsSubmit runs one turn's command list in delivery order. A command
// whose payload cannot be normalized fails on its own; the rest of the turn
// still runs.
func (e *Engine) CommandsSubmit(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string            `json:"session_id"`
		Commands  []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed("invalid params")
	}
	sess, errInfo := e.session(req.SessionID)
	if errInfo != nil {
		return nil, errInfo
	}
	results := make([]any, len(req.Commands))
	commands := make([]session.Command, 0, len(req.Commands))
	slots := make([]int, 0, len(req.Commands))
	for i, raw := range req.Commands {
		cmd, errInfo := e.parseCommand(raw)
		if errInfo != nil {
			results[i] = map[string]any{
				"id":      cmd.ID,
				"success": false,
				"message": errInfo.Detail,
				"error":   errInfo,
			}
			continue
		}
		commands = append(commands, cmd)
		slots = append(slots, i)
	}
	for i, res := range sess.SubmitTurn(ctx, commands) {
		results[slots[i]] = resultView(commands[i].ID, res)
	}
	return map[string]any{"results": results}, nil
}

func (e *Engine) CommandExecute(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string          `json:"session_id"`
		Command   json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed("invalid params")
	}
	sess, errInfo := e.session(req.SessionID)
	if errInfo != nil {
		return nil, errInfo
	}
	cmd, errInfo := e.parseCommand(req.Command)
	if errInfo != nil {
		return nil, errInfo
	}
	return resultView(cmd.ID, sess.Execute(ctx, cmd)), nil
}

func (e *Engine) newSession(id string) *session.Session {
	return session.New(id, e.grid,
		session.WithLogger(e.logger.With("session_id", id)),
		session.WithNotifier(func(method string, params any) {
			if e.notify != nil {
				e.notify(method, params)
			}
		}),
	)
}

func sessionID(params json.RawMessage) (string, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(params, &req)
	if req.SessionID == "" {
		return "", errinfo.ValidationFailed("missing session_id")
	}
	return req.SessionID, nil
}

func (e *Engine) session(id string) (*session.Session, *errinfo.ErrorInfo) {
	if id == "" {
		return nil, errinfo.ValidationFailed("missing session_id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	if !ok {
		return nil, errinfo.SessionNotFound(id)
	}
	return sess, nil
}

// parseCommand normalizes one agent command payload: a missing id gets a
// fresh UUID, and near-JSON parameter blobs go through repair before strict
// unmarshal rejects them.
func (e *Engine) parseCommand(raw json.RawMessage) (session.Command, *errinfo.ErrorInfo) {
	var cmd session.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil {
			return cmd, errinfo.ValidationFailed("command payload is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &cmd); err != nil {
			return cmd, errinfo.ValidationFailed("command payload is not valid JSON")
		}
		e.logger.Warn("command.payload_repaired", "name", cmd.Name)
	}
	if cmd.Name == "" {
		return cmd, errinfo.ValidationFailed("command has no name")
	}
	if cmd.ID == "" {
		cmd.ID = e.newSessionID()
	}
	params, errInfo := normalizeParams(cmd.Params, e.logger)
	if errInfo != nil {
		return cmd, errInfo
	}
	cmd.Params = params
	return cmd, nil
}

func normalizeParams(raw json.RawMessage, logger *slog.Logger) (json.RawMessage, *errinfo.ErrorInfo) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	// Parameters may arrive double-encoded as a JSON string.
	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		raw = json.RawMessage(embedded)
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		return raw, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, errinfo.ValidationFailed("parameters are not valid JSON")
	}
	if err := json.Unmarshal([]byte(repaired), &probe); err != nil {
		return nil, errinfo.ValidationFailed("parameters are not valid JSON")
	}
	logger.Warn("command.parameters_repaired")
	return json.RawMessage(repaired), nil
}

func regionView(region regions.Region) map[string]any {
	return map[string]any{
		"range":           region.RangeRef(),
		"headers":         region.Headers,
		"record_count":    region.RecordCount,
		"column_types":    region.ColumnTypes,
		"numeric_columns": region.NumericColumns(),
	}
}

func resultView(id string, res dispatch.Result) map[string]any {
	view := map[string]any{
		"id":      id,
		"success": res.Success,
		"message": res.Message,
	}
	if len(res.Data) > 0 {
		view["data"] = res.Data
	}
	if res.Err != nil {
		view["error"] = res.Err
	}
	return view
}
