// Package grid defines the spreadsheet engine surface the bridge consumes.
// The engine itself (cell storage, formula evaluation, undo) lives outside
// this module; everything here talks to it through the API interface.
package grid

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable reports that the external grid engine is not ready.
// Callers treat it as retryable on the next delivery.
var ErrUnavailable = errors.New("grid engine unavailable")

// RemoteError is a structured failure returned by a grid worker.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("grid worker error %s: %s", e.Code, e.Message)
	}
	return "grid worker error: " + e.Message
}

// Cell is one grid cell as read through the API. Value is nil for empty
// cells; Formula holds the formula source (including the leading "=") when
// the cell is formula-derived.
type Cell struct {
	Value   any    `json:"value"`
	Formula string `json:"formula,omitempty"`
}

// Empty reports whether the cell has neither a value nor a formula.
func (c Cell) Empty() bool {
	if c.Formula != "" {
		return false
	}
	if c.Value == nil {
		return true
	}
	if s, ok := c.Value.(string); ok {
		return s == ""
	}
	return false
}

// Capabilities declares the optional operations a grid implementation
// supports. The dispatcher branches on these flags instead of probing for
// method existence.
type Capabilities struct {
	InsertColumns bool `json:"insert_columns"`
	Recalculate   bool `json:"recalculate"`
}

// API is the read/write surface of the external grid engine. All
// coordinates are zero-based. Any call may fail with ErrUnavailable.
type API interface {
	// GetRegion reads a rows x cols block starting at (startRow, startCol).
	// Cells outside the used extent come back empty, never as an error.
	GetRegion(ctx context.Context, startRow, startCol, rows, cols int) ([][]Cell, error)
	// SetCell writes a single cell. String values starting with "=" are
	// stored as formulas.
	SetCell(ctx context.Context, row, col int, value any) error
	// SetRange writes a 2-D block anchored at (startRow, startCol). Rows
	// may be ragged; nil entries leave the underlying cell untouched.
	SetRange(ctx context.Context, startRow, startCol int, values [][]any) error
	// InsertColumns shifts existing content right by count columns at col.
	// Only valid when Capabilities().InsertColumns is true.
	InsertColumns(ctx context.Context, col, count int) error
	// Recalculate re-evaluates dependent formulas.
	Recalculate(ctx context.Context) error
	// Bounds returns the used extent as (rows, cols); (0, 0) for a blank
	// sheet.
	Bounds(ctx context.Context) (int, int, error)
	Capabilities() Capabilities
}
