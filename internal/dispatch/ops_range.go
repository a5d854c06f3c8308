package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gridpilot/engine/internal/cellref"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
	"gridpilot/engine/internal/regions"
)

func (d *Dispatcher) setCellValue(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Cell      string `json:"cell"`
		Value     any    `json:"value"`
		IsFormula bool   `json:"is_formula"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	row, col, errInfo := cellref.ToIndices(req.Cell)
	if errInfo != nil {
		return Result{}, errInfo
	}
	value := req.Value
	if req.IsFormula {
		text, _ := value.(string)
		if !strings.HasPrefix(text, "=") {
			text = "=" + text
		}
		value = text
	}
	if err := d.grid.SetCell(ctx, row, col, value); err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)
	ref := cellref.ToRef(row, col)
	return Result{
		Message: cellMessage("set cell", ref),
		Data:    map[string]any{"cell": ref},
	}, nil
}

func (d *Dispatcher) setRangeValues(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		StartCell string  `json:"start_cell"`
		Values    [][]any `json:"values"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	row, col, errInfo := cellref.ToIndices(req.StartCell)
	if errInfo != nil {
		return Result{}, errInfo
	}
	return d.writeBlock(ctx, row, col, req.Values)
}

func (d *Dispatcher) setRangeValuesByRange(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Range  string  `json:"range"`
		Values [][]any `json:"values"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	startRow, startCol, _, _, errInfo := cellref.ToRange(req.Range)
	if errInfo != nil {
		return Result{}, errInfo
	}
	return d.writeBlock(ctx, startRow, startCol, req.Values)
}

// writeBlock writes a 2-D block anchored at (row, col). The block's column
// count is the longest row; shorter rows leave their missing cells
// untouched rather than zeroing them.
func (d *Dispatcher) writeBlock(ctx context.Context, row, col int, values [][]any) (Result, *errinfo.ErrorInfo) {
	if len(values) == 0 {
		return Result{}, errinfo.EmptyPayload("values has no rows")
	}
	cols := 0
	for _, rowVals := range values {
		if len(rowVals) > cols {
			cols = len(rowVals)
		}
	}
	if cols == 0 {
		return Result{}, errinfo.EmptyPayload("values has no columns")
	}
	summary, err := d.changeSummary(ctx, row, col, len(values), cols, func() error {
		return d.grid.SetRange(ctx, row, col, values)
	})
	if err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)
	written := cellref.RangeRef(row, col, row+len(values)-1, col+cols-1)
	return Result{
		Message: fmt.Sprintf("wrote %d rows at %s (%s)", len(values), written, summary),
		Data: map[string]any{
			"range": written,
			"rows":  len(values),
			"cols":  cols,
		},
	}, nil
}

func (d *Dispatcher) clearRange(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	return d.clear(ctx, args, "cleared range")
}

// clearRangeContents differs from clearRange on grids that track
// formatting: only the content goes. This grid API carries no formatting,
// so both degrade to a content clear.
func (d *Dispatcher) clearRangeContents(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	return d.clear(ctx, args, "cleared range contents")
}

func (d *Dispatcher) clear(ctx context.Context, args json.RawMessage, verb string) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Range string `json:"range"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	startRow, startCol, endRow, endCol, errInfo := cellref.ToRange(req.Range)
	if errInfo != nil {
		return Result{}, errInfo
	}
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			if err := d.grid.SetCell(ctx, row, col, nil); err != nil {
				return Result{}, gridErr(err)
			}
		}
	}
	d.recalc(ctx)
	ref := cellref.RangeRef(startRow, startCol, endRow, endCol)
	return Result{
		Message: cellMessage(verb, ref),
		Data:    map[string]any{"range": ref},
	}, nil
}

func (d *Dispatcher) moveRange(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		SourceRange   string `json:"source_range"`
		DestStartCell string `json:"dest_start_cell"`
		ClearSource   bool   `json:"clear_source"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	srcRow, srcCol, endRow, endCol, errInfo := cellref.ToRange(req.SourceRange)
	if errInfo != nil {
		return Result{}, errInfo
	}
	destRow, destCol, errInfo := cellref.ToIndices(req.DestStartCell)
	if errInfo != nil {
		return Result{}, errInfo
	}
	rows := endRow - srcRow + 1
	cols := endCol - srcCol + 1
	block, err := d.grid.GetRegion(ctx, srcRow, srcCol, rows, cols)
	if err != nil {
		return Result{}, gridErr(err)
	}
	if err := d.grid.SetRange(ctx, destRow, destCol, cellValues(block)); err != nil {
		return Result{}, gridErr(err)
	}
	if req.ClearSource {
		for row := srcRow; row <= endRow; row++ {
			for col := srcCol; col <= endCol; col++ {
				if err := d.grid.SetCell(ctx, row, col, nil); err != nil {
					return Result{}, gridErr(err)
				}
			}
		}
	}
	d.recalc(ctx)
	dest := cellref.RangeRef(destRow, destCol, destRow+rows-1, destCol+cols-1)
	return Result{
		Message: fmt.Sprintf("moved %s to %s", cellref.Normalize(req.SourceRange), dest),
		Data: map[string]any{
			"source":         cellref.Normalize(req.SourceRange),
			"destination":    dest,
			"source_cleared": req.ClearSource,
		},
	}, nil
}

func (d *Dispatcher) transposeRange(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		SourceRange   string `json:"source_range"`
		DestStartCell string `json:"dest_start_cell"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	srcRow, srcCol, endRow, endCol, errInfo := cellref.ToRange(req.SourceRange)
	if errInfo != nil {
		return Result{}, errInfo
	}
	destRow, destCol, errInfo := cellref.ToIndices(req.DestStartCell)
	if errInfo != nil {
		return Result{}, errInfo
	}
	rows := endRow - srcRow + 1
	cols := endCol - srcCol + 1
	block, err := d.grid.GetRegion(ctx, srcRow, srcCol, rows, cols)
	if err != nil {
		return Result{}, gridErr(err)
	}
	values := cellValues(padBlock(block, rows, cols))
	transposed := make([][]any, cols)
	for c := 0; c < cols; c++ {
		transposed[c] = make([]any, rows)
		for r := 0; r < rows; r++ {
			transposed[c][r] = values[r][c]
		}
	}
	if err := d.grid.SetRange(ctx, destRow, destCol, transposed); err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)
	dest := cellref.RangeRef(destRow, destCol, destRow+cols-1, destCol+rows-1)
	return Result{
		Message: fmt.Sprintf("transposed %s to %s", cellref.Normalize(req.SourceRange), dest),
		Data: map[string]any{
			"source":      cellref.Normalize(req.SourceRange),
			"destination": dest,
		},
	}, nil
}

func (d *Dispatcher) getRangeValues(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Range string `json:"range"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	startRow, startCol, endRow, endCol, errInfo := cellref.ToRange(req.Range)
	if errInfo != nil {
		return Result{}, errInfo
	}
	block, err := d.grid.GetRegion(ctx, startRow, startCol, endRow-startRow+1, endCol-startCol+1)
	if err != nil {
		return Result{}, gridErr(err)
	}
	ref := cellref.RangeRef(startRow, startCol, endRow, endCol)
	return Result{
		Message: cellMessage("read", ref),
		Data: map[string]any{
			"range":  ref,
			"values": cellValues(block),
		},
	}, nil
}

func (d *Dispatcher) sortRange(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Range      string `json:"range"`
		Column     string `json:"column"`
		Descending bool   `json:"descending"`
		HasHeader  bool   `json:"has_header"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	startRow, startCol, endRow, endCol, errInfo := cellref.ToRange(req.Range)
	if errInfo != nil {
		return Result{}, errInfo
	}
	keyCol, _, errInfo := d.resolveColumn(ctx, req.Column)
	if errInfo != nil {
		return Result{}, errInfo
	}
	if keyCol < startCol || keyCol > endCol {
		return Result{}, errinfo.ValidationFailed("sort column is outside the range")
	}
	rows := endRow - startRow + 1
	cols := endCol - startCol + 1
	block, err := d.grid.GetRegion(ctx, startRow, startCol, rows, cols)
	if err != nil {
		return Result{}, gridErr(err)
	}
	values := cellValues(padBlock(block, rows, cols))
	dataStart := 0
	if req.HasHeader {
		dataStart = 1
	}
	data := values[dataStart:]
	key := keyCol - startCol
	sort.SliceStable(data, func(i, j int) bool {
		less := lessValue(data[i][key], data[j][key])
		if req.Descending {
			return !less && !equalValue(data[i][key], data[j][key])
		}
		return less
	})
	if err := d.grid.SetRange(ctx, startRow, startCol, values); err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)
	ref := cellref.RangeRef(startRow, startCol, endRow, endCol)
	return Result{
		Message: cellMessage("sorted", ref),
		Data: map[string]any{
			"range":      ref,
			"descending": req.Descending,
		},
	}, nil
}

// padBlock squares a cell block to the requested extent. Grid backends may
// return truncated trailing rows and cells; the index math downstream
// assumes the full rectangle.
func padBlock(block [][]grid.Cell, rows, cols int) [][]grid.Cell {
	out := make([][]grid.Cell, rows)
	for r := 0; r < rows; r++ {
		var row []grid.Cell
		if r < len(block) {
			row = block[r]
		}
		if len(row) < cols {
			padded := make([]grid.Cell, cols)
			copy(padded, row)
			row = padded
		}
		out[r] = row
	}
	return out
}

// cellValues flattens a cell block into writable values, preferring the
// formula source so moved formulas stay formulas.
func cellValues(block [][]grid.Cell) [][]any {
	out := make([][]any, len(block))
	for r, row := range block {
		out[r] = make([]any, len(row))
		for c, cell := range row {
			if cell.Formula != "" {
				out[r][c] = cell.Formula
				continue
			}
			out[r][c] = cell.Value
		}
	}
	return out
}

func lessValue(a, b any) bool {
	an, aok := regions.NumericValue(a)
	bn, bok := regions.NumericValue(b)
	if aok && bok {
		return an < bn
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func equalValue(a, b any) bool {
	an, aok := regions.NumericValue(a)
	bn, bok := regions.NumericValue(b)
	if aok && bok {
		return an == bn
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
