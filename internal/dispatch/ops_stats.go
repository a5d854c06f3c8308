package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gridpilot/engine/internal/cellref"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/regions"
)

// calculateTotal sums a column's numeric values and writes the total back
// into the sheet as a formula. An existing total formula in the column is
// reused; otherwise the total lands two rows below the last data row.
func (d *Dispatcher) calculateTotal(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		Column    string `json:"column"`
		DataRange string `json:"data_range"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}

	region, errInfo := d.statsRegion(ctx, req.DataRange)
	if errInfo != nil {
		return Result{}, errInfo
	}
	col, errInfo := d.columnInRegion(ctx, req.Column, region)
	if errInfo != nil {
		return Result{}, errInfo
	}

	firstData := region.StartRow + 1
	lastData := region.StartRow + region.RecordCount
	total := 0.0
	count := 0
	block, err := d.grid.GetRegion(ctx, firstData, col, region.RecordCount, 1)
	if err != nil {
		return Result{}, gridErr(err)
	}
	for _, row := range block {
		if len(row) == 0 {
			continue
		}
		if n, ok := regions.NumericValue(row[0].Value); ok {
			total += n
			count++
		}
	}

	sumRow, reused, err := d.totalCell(ctx, col, lastData)
	if err != nil {
		return Result{}, gridErr(err)
	}
	letter := cellref.ColumnLetters(col)
	formula := fmt.Sprintf("=SUM(%s%d:%s%d)", letter, firstData+1, letter, lastData+1)
	if err := d.grid.SetCell(ctx, sumRow, col, formula); err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)

	average := 0.0
	if count > 0 {
		average = total / float64(count)
	}
	sumCell := cellref.ToRef(sumRow, col)
	return Result{
		Message: fmt.Sprintf("total %v written to %s", total, sumCell),
		Data: map[string]any{
			"total":    total,
			"count":    count,
			"average":  average,
			"sum_cell": sumCell,
			"formula":  formula,
			"reused":   reused,
		},
	}, nil
}

// totalCell finds an existing total formula in the column to reuse, and
// otherwise places the total two rows below the last data row.
func (d *Dispatcher) totalCell(ctx context.Context, col, lastData int) (int, bool, error) {
	boundRows, _, err := d.grid.Bounds(ctx)
	if err != nil {
		return 0, false, err
	}
	scanRows := boundRows - lastData - 1
	if scanRows > 0 {
		block, err := d.grid.GetRegion(ctx, lastData+1, col, scanRows, 1)
		if err != nil {
			return 0, false, err
		}
		for i, row := range block {
			if len(row) == 0 {
				continue
			}
			if strings.Contains(strings.ToUpper(row[0].Formula), "SUM(") {
				return lastData + 1 + i, true, nil
			}
		}
	}
	return lastData + 2, false, nil
}

// Supported pivot aggregation functions.
const (
	aggSum     = "sum"
	aggAverage = "average"
	aggCount   = "count"
	aggMax     = "max"
	aggMin     = "min"
)

// createPivotTable groups region rows by one column, aggregates another,
// and writes a two-column header+data block at the destination, groups
// sorted lexicographically.
func (d *Dispatcher) createPivotTable(ctx context.Context, args json.RawMessage) (Result, *errinfo.ErrorInfo) {
	var req struct {
		GroupByColumn string `json:"group_by_column"`
		ValueColumn   string `json:"value_column"`
		AggFunc       string `json:"agg_func"`
		Destination   string `json:"destination"`
	}
	if errInfo := unmarshalArgs(args, &req); errInfo != nil {
		return Result{}, errInfo
	}
	agg := strings.ToLower(strings.TrimSpace(req.AggFunc))
	switch agg {
	case aggSum, aggAverage, aggCount, aggMax, aggMin:
	case "":
		agg = aggSum
	default:
		return Result{}, errinfo.ValidationFailed("agg_func must be sum, average, count, max, or min")
	}
	destRow, destCol, errInfo := cellref.ToIndices(req.Destination)
	if errInfo != nil {
		return Result{}, errInfo
	}
	region, errInfo := d.source.Primary(ctx)
	if errInfo != nil {
		return Result{}, errInfo
	}
	groupCol, errInfo := d.columnInRegion(ctx, req.GroupByColumn, &region)
	if errInfo != nil {
		return Result{}, errInfo
	}
	valueCol, errInfo := d.columnInRegion(ctx, req.ValueColumn, &region)
	if errInfo != nil {
		return Result{}, errInfo
	}

	firstData := region.StartRow + 1
	width := region.EndCol - region.StartCol + 1
	block, err := d.grid.GetRegion(ctx, firstData, region.StartCol, region.RecordCount, width)
	if err != nil {
		return Result{}, gridErr(err)
	}

	type bucket struct {
		sum   float64
		count int
		max   float64
		min   float64
	}
	buckets := make(map[string]*bucket)
	for _, row := range block {
		gi := groupCol - region.StartCol
		vi := valueCol - region.StartCol
		if gi >= len(row) || vi >= len(row) {
			continue
		}
		key := fmt.Sprintf("%v", row[gi].Value)
		if row[gi].Value == nil {
			key = ""
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		n, numeric := regions.NumericValue(row[vi].Value)
		if numeric {
			if b.count == 0 || n > b.max {
				b.max = n
			}
			if b.count == 0 || n < b.min {
				b.min = n
			}
			b.sum += n
		}
		b.count++
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groupHeader := headerAt(&region, groupCol)
	valueHeader := headerAt(&region, valueCol)
	values := make([][]any, 0, len(keys)+1)
	values = append(values, []any{groupHeader, fmt.Sprintf("%s of %s", agg, valueHeader)})
	for _, key := range keys {
		b := buckets[key]
		var out any
		switch agg {
		case aggSum:
			out = b.sum
		case aggAverage:
			out = b.sum / float64(b.count)
		case aggCount:
			out = float64(b.count)
		case aggMax:
			out = b.max
		case aggMin:
			out = b.min
		}
		values = append(values, []any{key, out})
	}

	if err := d.grid.SetRange(ctx, destRow, destCol, values); err != nil {
		return Result{}, gridErr(err)
	}
	d.recalc(ctx)
	written := cellref.RangeRef(destRow, destCol, destRow+len(values)-1, destCol+1)
	return Result{
		Message: fmt.Sprintf("pivot of %s by %s written at %s", valueHeader, groupHeader, written),
		Data: map[string]any{
			"range":  written,
			"groups": len(keys),
			"agg":    agg,
		},
	}, nil
}

// statsRegion picks the region analytics operate on: the primary region,
// or the first region detected inside an explicit data range.
func (d *Dispatcher) statsRegion(ctx context.Context, dataRange string) (*regions.Region, *errinfo.ErrorInfo) {
	if strings.TrimSpace(dataRange) == "" {
		region, errInfo := d.source.Primary(ctx)
		if errInfo != nil {
			return nil, errInfo
		}
		return &region, nil
	}
	detected, errInfo := d.source.In(ctx, dataRange)
	if errInfo != nil {
		return nil, errInfo
	}
	if len(detected) == 0 {
		return nil, errinfo.NoRegionFound("no table detected in " + dataRange)
	}
	return &detected[0], nil
}

// columnInRegion resolves a column spec within a specific region, by header
// name first and column letters second.
func (d *Dispatcher) columnInRegion(_ context.Context, spec string, region *regions.Region) (int, *errinfo.ErrorInfo) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return 0, errinfo.ValidationFailed("column is required")
	}
	if idx, ok := matchHeader(region.Headers, trimmed); ok {
		return region.StartCol + idx, nil
	}
	if idx, ok := cellref.ColumnIndex(trimmed); ok && idx >= region.StartCol && idx <= region.EndCol {
		return idx, nil
	}
	return 0, errinfo.ColumnNotFound(trimmed, region.Headers)
}

func headerAt(region *regions.Region, col int) string {
	idx := col - region.StartCol
	if idx < 0 || idx >= len(region.Headers) {
		return cellref.ColumnLetters(col)
	}
	return region.Headers[idx]
}
