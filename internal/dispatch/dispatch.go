// Package dispatch executes agent-issued operations against the grid. One
// registry maps each operation name to its single canonical handler; every
// failure is converted into a structured Result so no command can take the
// host process down.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gridpilot/engine/internal/cellref"
	"gridpilot/engine/internal/diff"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
	"gridpilot/engine/internal/logging"
	"gridpilot/engine/internal/regions"
)

// Operation names accepted by Execute.
const (
	OpSetCellValue            = "set_cell_value"
	OpSetRangeValues          = "set_range_values"
	OpSetRangeValuesByRange   = "set_range_values_by_range"
	OpClearRange              = "clear_range"
	OpClearRangeContents      = "clear_range_contents"
	OpMoveRange               = "move_range"
	OpTransposeRange          = "transpose_range"
	OpInsertColumnWithContext = "insert_column_with_context"
	OpCalculateTotal          = "calculate_total"
	OpCreatePivotTable        = "create_pivot_table"
	OpGetRangeValues          = "get_range_values"
	OpSortRange               = "sort_range"
)

// Result is the structured outcome handed back to the host and, through
// it, the agent. Recoverable errors ride in Err with enough detail to
// reformulate the command; Success is false but nothing is thrown.
type Result struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Data    map[string]any     `json:"data,omitempty"`
	Err     *errinfo.ErrorInfo `json:"error,omitempty"`
}

// RegionSource supplies the current primary region for column-by-name
// resolution. The session caches detection results behind this interface.
type RegionSource interface {
	Primary(ctx context.Context) (regions.Region, *errinfo.ErrorInfo)
	In(ctx context.Context, rangeRef string) ([]regions.Region, *errinfo.ErrorInfo)
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo)

// Dispatcher is the sole mutator of the grid. It resolves symbolic targets
// through the coordinate codec and the region source, performs the write,
// and triggers best-effort recalculation.
type Dispatcher struct {
	grid     grid.API
	source   RegionSource
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

func New(g grid.API, source RegionSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	d := &Dispatcher{grid: g, source: source, logger: logger}
	d.handlers = map[string]handlerFunc{
		OpSetCellValue:            d.setCellValue,
		OpSetRangeValues:          d.setRangeValues,
		OpSetRangeValuesByRange:   d.setRangeValuesByRange,
		OpClearRange:              d.clearRange,
		OpClearRangeContents:      d.clearRangeContents,
		OpMoveRange:               d.moveRange,
		OpTransposeRange:          d.transposeRange,
		OpInsertColumnWithContext: d.insertColumnWithContext,
		OpCalculateTotal:          d.calculateTotal,
		OpCreatePivotTable:        d.createPivotTable,
		OpGetRangeValues:          d.getRangeValues,
		OpSortRange:               d.sortRange,
	}
	return d
}

// Operations lists the registered operation names.
func (d *Dispatcher) Operations() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs one named operation. The returned Result always describes
// the outcome; errors never propagate as panics or Go errors to the host.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch.op_panic", "op", name, "panic", fmt.Sprintf("%v", r))
			errInfo := errinfo.ValidationFailed(fmt.Sprintf("internal error in %s: %v", name, r))
			result = Result{Success: false, Message: errInfo.Error(), Err: errInfo}
		}
	}()
	handler, ok := d.handlers[strings.TrimSpace(name)]
	if !ok {
		errInfo := errinfo.ValidationFailed("unknown operation: " + name)
		return Result{Success: false, Message: errInfo.Error(), Err: errInfo}
	}
	result, errInfo := handler(ctx, args)
	if errInfo != nil {
		d.logger.Debug("dispatch.op_failed", "op", name, "code", errInfo.ErrorCode)
		return Result{Success: false, Message: errInfo.Error(), Err: errInfo}
	}
	result.Success = true
	return result
}

// recalc triggers dependent recalculation after a write. Best-effort: a
// grid that cannot recalculate, or a recalculation failure, never fails
// the write that preceded it.
func (d *Dispatcher) recalc(ctx context.Context) {
	if !d.grid.Capabilities().Recalculate {
		return
	}
	if err := d.grid.Recalculate(ctx); err != nil {
		d.logger.Debug("dispatch.recalc_failed", "error", err.Error())
	}
}

// resolveColumn turns a column spec (letters like "C", or a header name)
// into a zero-based column index. Header names match case-insensitively by
// substring against the primary region, first match wins.
func (d *Dispatcher) resolveColumn(ctx context.Context, spec string) (int, *regions.Region, *errinfo.ErrorInfo) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return 0, nil, errinfo.ValidationFailed("column is required")
	}
	region, errInfo := d.source.Primary(ctx)
	if errInfo != nil {
		// Letters still resolve with no region in sight.
		if idx, ok := cellref.ColumnIndex(trimmed); ok {
			return idx, nil, nil
		}
		return 0, nil, errInfo
	}
	if idx, matched := matchHeader(region.Headers, trimmed); matched {
		return region.StartCol + idx, &region, nil
	}
	if idx, ok := cellref.ColumnIndex(trimmed); ok {
		return idx, &region, nil
	}
	return 0, nil, errinfo.ColumnNotFound(trimmed, region.Headers)
}

func matchHeader(headers []string, name string) (int, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for i, header := range headers {
		if strings.Contains(strings.ToLower(header), needle) {
			return i, true
		}
	}
	return 0, false
}

// changeSummary snapshots an extent, applies the mutation, and reports the
// row-level change through the snapshot differ. Snapshot failures degrade
// to a generic summary rather than failing the mutation.
func (d *Dispatcher) changeSummary(ctx context.Context, startRow, startCol, rows, cols int, mutate func() error) (string, error) {
	before, beforeErr := d.grid.GetRegion(ctx, startRow, startCol, rows, cols)
	if err := mutate(); err != nil {
		return "", err
	}
	if beforeErr != nil {
		return "applied", nil
	}
	after, afterErr := d.grid.GetRegion(ctx, startRow, startCol, rows, cols)
	if afterErr != nil {
		return "applied", nil
	}
	return diff.Summary(before, after), nil
}

func gridErr(err error) *errinfo.ErrorInfo {
	if err == nil {
		return nil
	}
	if errors.Is(err, grid.ErrUnavailable) {
		return errinfo.EngineUnavailable(err.Error())
	}
	var remote *grid.RemoteError
	if errors.As(err, &remote) {
		return errinfo.ValidationFailed(remote.Error())
	}
	return errinfo.EngineUnavailable(err.Error())
}

func unmarshalArgs(args json.RawMessage, target any) *errinfo.ErrorInfo {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, target); err != nil {
		return errinfo.ValidationFailed("invalid arguments: " + err.Error())
	}
	return nil
}

func cellMessage(op, ref string) string {
	return fmt.Sprintf("%s at %s", op, ref)
}
