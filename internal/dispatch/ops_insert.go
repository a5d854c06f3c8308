package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gridpilot/engine/internal/cellref"
	"gridpilot/engine/internal/errinfo"
)

// Positioning modes for insert_column_with_context.
const (
	positionBetween = "between"
	positionBefore  = "before"
	positionAfter   = "after"
)

// insertColumnWithContext adds a named column to the primary region. The
// target position comes from one of three anchor modes or defaults to the
// next empty column. Physical insertion only happens when the grid declares
// the capability; otherwise values land at the target position without
// shifting anything.
func (d *Dispatcher) insertColumnWithContext(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		ColumnName     string `json:"column_name"`
		Position       string `json:"position"`
		Anchor         string `json:"anchor"`
		SecondAnchor   string `json:"second_anchor"`
		FormulaPattern string `json:"formula_pattern"`
		DefaultValue   any    `json:"default_value"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	if strings.TrimSpace(req.ColumnName) == "" {
		return Result{}, errinfo.ValidationFailed("column_name is required")
	}
	region, errInfo := d.source.Primary(ctx)
	if errInfo != nil {
		return Result{}, errInfo
	}

	targetCol, errInfo := d.insertionColumn(req.Position, req.Anchor, req.SecondAnchor, region.Headers, region.StartCol, region.EndCol)
	if errInfo != nil {
		return Result{}, errInfo
	}

	inserted := false
	var degraded *errinfo.ErrorInfo
	if targetCol <= region.EndCol {
		if d.grid.Capabilities().InsertColumns {
			if err := d.grid.InsertColumns(ctx, targetCol, 1); err != nil {
				return Result{}, gridErr(err)
			}
			inserted = true
		} else {
			// Without the capability the write proceeds in place; the
			// result carries the degradation so the agent knows nothing
			// shifted.
			degraded = errinfo.UnsupportedCapability("grid cannot insert columns; values written in place without shifting")
		}
	}

	if err := d.grid.SetCell(ctx, region.StartRow, targetCol, req.ColumnName); err != nil {
		return Result{}, gridErr(err)
	}

	filled := 0
	for record := 0; record < region.RecordCount; record++ {
		row := region.StartRow + 1 + record
		value := req.DefaultValue
		if strings.TrimSpace(req.FormulaPattern) != "" {
			formula := strings.ReplaceAll(req.FormulaPattern, "{row}", strconv.Itoa(row+1))
			if !strings.HasPrefix(formula, "=") {
				formula = "=" + formula
			}
			value = formula
		}
		if value == nil {
			continue
		}
		if err := d.grid.SetCell(ctx, row, targetCol, value); err != nil {
			return Result{}, gridErr(err)
		}
		filled++
	}
	d.recalc(ctx)

	letter := cellref.ColumnLetters(targetCol)
	data := map[string]any{
		"column":      letter,
		"header_cell": cellref.ToRef(region.StartRow, targetCol),
		"rows_filled": filled,
		"inserted":    inserted,
	}
	if degraded != nil {
		data["degraded"] = degraded
	}
	return Result{
		Message: fmt.Sprintf("added column %q at %s", req.ColumnName, letter),
		Data:    data,
	}, nil
}

// insertionColumn resolves the zero-based target column from the anchor
// mode. The default with no position is the first column past the region.
func (d *Dispatcher) insertionColumn(position, anchor, secondAnchor string, headers []string, startCol, endCol int) (int, *errinfo.ErrorInfo) {
	switch strings.ToLower(strings.TrimSpace(position)) {
	case positionBetween:
		left, ok := matchHeader(headers, anchor)
		if !ok {
			return 0, errinfo.ColumnNotFound(anchor, headers)
		}
		if _, ok := matchHeader(headers, secondAnchor); !ok {
			return 0, errinfo.ColumnNotFound(secondAnchor, headers)
		}
		return startCol + left + 1, nil
	case positionBefore:
		idx, ok := matchHeader(headers, anchor)
		if !ok {
			return 0, errinfo.ColumnNotFound(anchor, headers)
		}
		return startCol + idx, nil
	case positionAfter:
		idx, ok := matchHeader(headers, anchor)
		if !ok {
			return 0, errinfo.ColumnNotFound(anchor, headers)
		}
		return startCol + idx + 1, nil
	case "":
		return endCol + 1, nil
	default:
		return 0, errinfo.ValidationFailed("position must be between, before, or after")
	}
}
