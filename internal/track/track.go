// Package track guards command execution: at-most-once per command id,
// suppression of semantically identical rapid repeats, and a bounded log of
// recent actions for context building. State is session-scoped and owned by
// whoever constructed the Tracker; nothing here is global.
package track

import (
	"encoding/json"
	"sync"
	"time"
)

// State is the lifecycle position of one command id.
type State string

const (
	StateUnseen   State = "unseen"
	StatePending  State = "pending"
	StateExecuted State = "executed"
	StateFailed   State = "failed"
)

// Verdict is the tracker's decision for an observed command.
type Verdict int

const (
	// Run means the command has not executed and should be dispatched.
	Run Verdict = iota
	// SkipExecuted means this id already ran to completion.
	SkipExecuted
	// SkipDuplicate means an identical name+parameters command executed
	// within the rapid-duplicate window; the delivery is absorbed.
	SkipDuplicate
)

// Action is one executed command as remembered for context building. The
// log is advisory only, never authoritative.
type Action struct {
	Timestamp     time.Time      `json:"timestamp"`
	ToolName      string         `json:"tool_name"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
}

const (
	defaultActionCapacity    = 10
	defaultDuplicateWindow   = 2 * time.Second
	defaultSemanticRetention = 10 * time.Second
)

// Tracker owns the per-session execution state. Id entries are never
// evicted for the life of the session; semantic-key entries are pruned
// after the retention window on every check.
type Tracker struct {
	mu        sync.Mutex
	states    map[string]State
	semantic  map[string]time.Time
	actions   []Action
	capacity  int
	window    time.Duration
	retention time.Duration
	now       func() time.Time
}

// Option adjusts a Tracker at construction.
type Option func(*Tracker)

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithActionCapacity overrides the recent-action ring size.
func WithActionCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		states:    make(map[string]State),
		semantic:  make(map[string]time.Time),
		capacity:  defaultActionCapacity,
		window:    defaultDuplicateWindow,
		retention: defaultSemanticRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SemanticKey builds the duplicate-detection key from an operation name and
// its parameters. json.Marshal sorts map keys, so equal parameter sets
// always produce equal keys. Dedup is exact-equality by decision; see
// DESIGN.md.
func SemanticKey(name string, params map[string]any) string {
	serialized, err := json.Marshal(params)
	if err != nil {
		serialized = []byte("{}")
	}
	return name + ":" + string(serialized)
}

// Admit decides whether a delivered command should run. A Run verdict
// moves the id to pending; the caller settles it with MarkExecuted or
// MarkFailed, or leaves it pending when the grid was unavailable so the
// next delivery retries.
func (t *Tracker) Admit(id, name string, params map[string]any) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)

	// Executed is terminal; pending and failed ids run again on a later
	// delivery. Execution is serialized per session, so a pending id can
	// only be observed here after its earlier attempt ended without
	// settling (engine unavailable).
	if t.states[id] == StateExecuted {
		return SkipExecuted
	}

	key := SemanticKey(name, params)
	if executedAt, ok := t.semantic[key]; ok && now.Sub(executedAt) <= t.window {
		// Same payload just ran under a different id: absorb the
		// duplicate and settle this id so later redeliveries skip too.
		t.states[id] = StateExecuted
		return SkipDuplicate
	}

	t.states[id] = StatePending
	return Run
}

// MarkExecuted settles a pending id as executed and records its semantic
// key for the rapid-duplicate window. Executed is terminal.
func (t *Tracker) MarkExecuted(id, name string, params map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = StateExecuted
	t.semantic[SemanticKey(name, params)] = t.now()
}

// MarkFailed settles a pending id as failed. Failed ids are retried when
// the same id is delivered again.
func (t *Tracker) MarkFailed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = StateFailed
}

// StateOf reports the lifecycle state of a command id.
func (t *Tracker) StateOf(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[id]
	if !ok {
		return StateUnseen
	}
	return state
}

// Record appends an executed action to the bounded log, evicting the
// oldest entry once the ring is full.
func (t *Tracker) Record(action Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if action.Timestamp.IsZero() {
		action.Timestamp = t.now()
	}
	t.actions = append(t.actions, action)
	if len(t.actions) > t.capacity {
		t.actions = t.actions[len(t.actions)-t.capacity:]
	}
}

// RecentActions returns up to n actions, oldest first.
func (t *Tracker) RecentActions(n int) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.actions) {
		n = len(t.actions)
	}
	out := make([]Action, n)
	copy(out, t.actions[len(t.actions)-n:])
	return out
}

func (t *Tracker) pruneLocked(now time.Time) {
	for key, executedAt := range t.semantic {
		if now.Sub(executedAt) > t.retention {
			delete(t.semantic, key)
		}
	}
}
