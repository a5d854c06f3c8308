package grid

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gridpilot/engine/internal/logging"
)

const (
	jsonRPCVersion    = "2.0"
	maxMessageSize    = 12 * 1024 * 1024
	maxRestartAttempt = 3
)

// Remote drives an external grid engine worker over newline-delimited
// JSON-RPC on stdio. The worker process is restarted with backoff on exit;
// after maxRestartAttempt consecutive failures the client stays disabled
// until Reset.
type Remote struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pending  map[int]chan workerResponse
	nextID   int
	failures int
	disabled bool
	starting bool
	closed   bool
	caps     Capabilities
	capsSet  bool
	logger   *slog.Logger
}

type workerRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type workerRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *workerError    `json:"error,omitempty"`
}

type workerError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type workerResponse struct {
	result json.RawMessage
	err    *workerError
}

func NewRemote(logger *slog.Logger) *Remote {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Remote{
		pending: make(map[int]chan workerResponse),
		nextID:  1,
		logger:  logger,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker process and fetches its capability declaration.
func (r *Remote) Start() error {
	if err := r.ensureRunning(); err != nil {
		return err
	}
	var info struct {
		OK           bool         `json:"ok"`
		Capabilities Capabilities `json:"capabilities"`
	}
	if err := r.call(context.Background(), "GridGetInfo", map[string]any{}, &info); err != nil {
		return err
	}
	if !info.OK {
		return ErrUnavailable
	}
	r.mu.Lock()
	r.caps = info.Capabilities
	r.capsSet = true
	r.mu.Unlock()
	return nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cmd := r.cmd
	r.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

// Reset clears the disabled state so a persistently failed worker can be
// relaunched.
func (r *Remote) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = false
	r.failures = 0
	r.logger.Info("gridworker.reset")
}

func (r *Remote) Capabilities() Capabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.capsSet {
		return Capabilities{}
	}
	return r.caps
}

func (r *Remote) GetRegion(ctx context.Context, startRow, startCol, rows, cols int) ([][]Cell, error) {
	var resp struct {
		Cells [][]Cell `json:"cells"`
	}
	params := map[string]any{
		"start_row": startRow,
		"start_col": startCol,
		"rows":      rows,
		"cols":      cols,
	}
	if err := r.call(ctx, "GridGetRegion", params, &resp); err != nil {
		return nil, err
	}
	return resp.Cells, nil
}

func (r *Remote) SetCell(ctx context.Context, row, col int, value any) error {
	return r.call(ctx, "GridSetCell", map[string]any{"row": row, "col": col, "value": value}, nil)
}

func (r *Remote) SetRange(ctx context.Context, startRow, startCol int, values [][]any) error {
	params := map[string]any{
		"start_row": startRow,
		"start_col": startCol,
		"values":    values,
	}
	return r.call(ctx, "GridSetRange", params, nil)
}

func (r *Remote) InsertColumns(ctx context.Context, col, count int) error {
	return r.call(ctx, "GridInsertColumns", map[string]any{"col": col, "count": count}, nil)
}

func (r *Remote) Recalculate(ctx context.Context) error {
	return r.call(ctx, "GridRecalculate", map[string]any{}, nil)
}

func (r *Remote) Bounds(ctx context.Context) (int, int, error) {
	var resp struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := r.call(ctx, "GridGetBounds", map[string]any{}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Rows, resp.Cols, nil
}

func (r *Remote) call(ctx context.Context, method string, params any, result any) error {
	if err := r.ensureRunning(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrUnavailable
	}
	id := r.nextID
	r.nextID++
	respCh := make(chan workerResponse, 1)
	r.pending[id] = respCh
	stdin := r.stdin
	r.mu.Unlock()

	if stdin == nil {
		r.removePending(id)
		return ErrUnavailable
	}

	payload, err := json.Marshal(workerRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		r.removePending(id)
		return err
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		r.removePending(id)
		r.mu.Lock()
		cmd := r.cmd
		r.mu.Unlock()
		r.handleProcessExit(cmd, err)
		return ErrUnavailable
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			return mapWorkerError(resp.err)
		}
		if result != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		r.removePending(id)
		return ctx.Err()
	}
}

func (r *Remote) ensureRunning() error {
	r.mu.Lock()
	for r.starting {
		r.cond.Wait()
	}
	if r.closed {
		r.mu.Unlock()
		return ErrUnavailable
	}
	if r.cmd != nil {
		r.mu.Unlock()
		return nil
	}
	if r.disabled {
		r.mu.Unlock()
		return ErrUnavailable
	}
	r.starting = true
	failures := r.failures
	r.mu.Unlock()

	if failures > 0 {
		backoff := time.Duration(1<<uint(failures-1)) * time.Second
		time.Sleep(backoff)
	}

	err := r.startProcess()

	r.mu.Lock()
	r.starting = false
	r.cond.Broadcast()
	if err != nil {
		r.failures++
		if r.failures >= maxRestartAttempt {
			r.disabled = true
		}
	} else {
		r.failures = 0
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("gridworker.start_failed", "error", err.Error())
		return ErrUnavailable
	}
	return nil
}

func (r *Remote) startProcess() error {
	cmdPath, args, err := resolveWorkerCommand()
	if err != nil {
		return err
	}
	cmd := exec.Command(cmdPath, args...)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	reader := bufio.NewReader(stdout)
	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	if r.pending == nil {
		r.pending = make(map[int]chan workerResponse)
	}
	r.mu.Unlock()

	r.logger.Debug("gridworker.started", "cmd", cmdPath)

	go r.readLoop(cmd, reader)
	go r.stderrLoop(stderr)
	go r.waitLoop(cmd)
	return nil
}

func (r *Remote) readLoop(cmd *exec.Cmd, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			r.handleProcessExit(cmd, err)
			return
		}
		if len(line) == 0 {
			continue
		}
		if len(line) > maxMessageSize {
			r.handleProcessExit(cmd, errors.New("message too large"))
			return
		}
		var resp workerRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			r.logger.Warn("gridworker.invalid_json", "error", err.Error())
			continue
		}
		if resp.ID == 0 {
			continue
		}
		r.mu.Lock()
		ch := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ch != nil {
			ch <- workerResponse{result: resp.Result, err: resp.Error}
			close(ch)
		}
	}
}

func (r *Remote) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.logger.Warn("gridworker.stderr", "message", line)
	}
}

func (r *Remote) waitLoop(cmd *exec.Cmd) {
	_ = cmd.Wait()
	r.handleProcessExit(cmd, errors.New("process exited"))
}

func (r *Remote) handleProcessExit(cmd *exec.Cmd, err error) {
	r.mu.Lock()
	if r.cmd != cmd {
		r.mu.Unlock()
		return
	}
	r.cmd = nil
	r.stdin = nil
	pending := r.pending
	r.pending = make(map[int]chan workerResponse)
	if !r.closed {
		r.failures++
		if r.failures >= maxRestartAttempt {
			r.disabled = true
		}
	}
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- workerResponse{err: &workerError{Message: "GRID_WORKER_UNAVAILABLE"}}
		close(ch)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		r.logger.Warn("gridworker.exited", "error", err.Error())
	}
}

func (r *Remote) removePending(id int) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func resolveWorkerCommand() (string, []string, error) {
	raw := strings.TrimSpace(os.Getenv("GRIDPILOT_GRID_WORKER_CMD"))
	if raw == "" {
		return "", nil, errors.New("GRIDPILOT_GRID_WORKER_CMD not set")
	}
	parts := strings.Fields(raw)
	return parts[0], parts[1:], nil
}

func mapWorkerError(err *workerError) error {
	if err == nil {
		return nil
	}
	code := ""
	if err.Data != nil {
		if value, ok := err.Data["error_code"].(string); ok {
			code = value
		}
	}
	if code == "" && strings.EqualFold(err.Message, "GRID_WORKER_UNAVAILABLE") {
		code = "GRID_WORKER_UNAVAILABLE"
	}
	if code == "GRID_WORKER_UNAVAILABLE" {
		return ErrUnavailable
	}
	return &RemoteError{Code: code, Message: err.Message}
}
