package grid

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Memory is an in-process grid used by tests and the GRIDPILOT_FAKE_GRID
// dev mode. It stores cells sparsely and evaluates =SUM(range) formulas on
// Recalculate; anything fancier belongs to the real engine.
type Memory struct {
	mu    sync.Mutex
	cells map[[2]int]Cell
	rows  int
	cols  int
	caps  Capabilities
}

// MemoryOption adjusts a Memory grid at construction.
type MemoryOption func(*Memory)

// WithoutInsertColumns declares a grid that cannot physically insert
// columns, for exercising the degraded insert path.
func WithoutInsertColumns() MemoryOption {
	return func(m *Memory) {
		m.caps.InsertColumns = false
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cells: make(map[[2]int]Cell),
		caps:  Capabilities{InsertColumns: true, Recalculate: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Capabilities() Capabilities {
	return m.caps
}

func (m *Memory) Bounds(_ context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows, m.cols, nil
}

func (m *Memory) GetRegion(_ context.Context, startRow, startCol, rows, cols int) ([][]Cell, error) {
	if startRow < 0 || startCol < 0 || rows < 0 || cols < 0 {
		return nil, &RemoteError{Message: "negative region bounds"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Cell, rows)
	for r := 0; r < rows; r++ {
		out[r] = make([]Cell, cols)
		for c := 0; c < cols; c++ {
			out[r][c] = m.cells[[2]int{startRow + r, startCol + c}]
		}
	}
	return out, nil
}

func (m *Memory) SetCell(_ context.Context, row, col int, value any) error {
	if row < 0 || col < 0 {
		return &RemoteError{Message: "negative cell coordinates"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(row, col, value)
	return nil
}

func (m *Memory) SetRange(_ context.Context, startRow, startCol int, values [][]any) error {
	if startRow < 0 || startCol < 0 {
		return &RemoteError{Message: "negative range origin"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for r, rowVals := range values {
		for c, value := range rowVals {
			if value == nil {
				continue
			}
			m.put(startRow+r, startCol+c, value)
		}
	}
	return nil
}

func (m *Memory) InsertColumns(_ context.Context, col, count int) error {
	if !m.caps.InsertColumns {
		return &RemoteError{Message: "insert columns not supported"}
	}
	if col < 0 || count <= 0 {
		return &RemoteError{Message: "invalid column insertion"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	shifted := make(map[[2]int]Cell, len(m.cells))
	for key, cell := range m.cells {
		if key[1] >= col {
			key[1] += count
		}
		shifted[key] = cell
	}
	m.cells = shifted
	m.cols += count
	return nil
}

// ClearCell removes a cell entirely. Not part of the API interface; the
// dispatcher reaches it through SetCell(nil) on real grids, but tests use
// it to build sparse fixtures.
func (m *Memory) ClearCell(row, col int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells, [2]int{row, col})
}

// Recalculate evaluates stored =SUM(range) formulas. Unknown formulas keep
// their last value.
func (m *Memory) Recalculate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cell := range m.cells {
		if cell.Formula == "" {
			continue
		}
		total, ok := m.evalSum(cell.Formula)
		if !ok {
			continue
		}
		cell.Value = total
		m.cells[key] = cell
	}
	return nil
}

func (m *Memory) put(row, col int, value any) {
	key := [2]int{row, col}
	if value == nil {
		delete(m.cells, key)
		return
	}
	cell := Cell{Value: value}
	if s, ok := value.(string); ok && strings.HasPrefix(s, "=") {
		cell = Cell{Formula: s}
	}
	m.cells[key] = cell
	if row+1 > m.rows {
		m.rows = row + 1
	}
	if col+1 > m.cols {
		m.cols = col + 1
	}
}

func (m *Memory) evalSum(formula string) (float64, bool) {
	inner, ok := sumArgument(formula)
	if !ok {
		return 0, false
	}
	colon := strings.Index(inner, ":")
	if colon < 0 {
		return 0, false
	}
	sr, sc, ok := parseA1(inner[:colon])
	if !ok {
		return 0, false
	}
	er, ec, ok := parseA1(inner[colon+1:])
	if !ok {
		return 0, false
	}
	if er < sr {
		sr, er = er, sr
	}
	if ec < sc {
		sc, ec = ec, sc
	}
	total := 0.0
	for r := sr; r <= er; r++ {
		for c := sc; c <= ec; c++ {
			cell := m.cells[[2]int{r, c}]
			if n, ok := numericValue(cell.Value); ok {
				total += n
			}
		}
	}
	return total, true
}

func sumArgument(formula string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(formula))
	if !strings.HasPrefix(upper, "=SUM(") || !strings.HasSuffix(upper, ")") {
		return "", false
	}
	return upper[len("=SUM(") : len(upper)-1], true
}

// parseA1 is a minimal A1 parser local to the fake; the real codec lives in
// internal/cellref and depends on errinfo, which this package stays below.
func parseA1(cell string) (int, int, bool) {
	trimmed := strings.TrimSpace(cell)
	i := 0
	for i < len(trimmed) && trimmed[i] >= 'A' && trimmed[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(trimmed) {
		return 0, 0, false
	}
	col := 0
	for _, ch := range trimmed[:i] {
		col = col*26 + int(ch-'A'+1)
	}
	row, err := strconv.Atoi(trimmed[i:])
	if err != nil || row <= 0 {
		return 0, 0, false
	}
	return row - 1, col - 1, true
}

func numericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
