// Package regions turns a sparse cell grid into a structured model of the
// tables it contains: header rows, column names, inferred column types, and
// record counts. Detection is heuristic; every threshold lives in Config so
// the magic numbers stay visible and tunable.
package regions

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gridpilot/engine/internal/cellref"
	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
)

// ColumnType tags the inferred content of one region column.
type ColumnType string

const (
	TypeText     ColumnType = "text"
	TypeNumber   ColumnType = "number"
	TypeCurrency ColumnType = "currency"
	TypeDate     ColumnType = "date"
	TypeEmpty    ColumnType = "empty"
)

// Region is one detected table: a header row plus the contiguous populated
// rows below it. Coordinates are zero-based and absolute to the sheet, even
// when detection ran inside a sub-range.
type Region struct {
	StartRow    int          `json:"start_row"`
	StartCol    int          `json:"start_col"`
	EndRow      int          `json:"end_row"`
	EndCol      int          `json:"end_col"`
	Headers     []string     `json:"headers"`
	RecordCount int          `json:"record_count"`
	ColumnTypes []ColumnType `json:"column_types"`
}

// RangeRef formats the region extent as an A1-style range.
func (r Region) RangeRef() string {
	return cellref.RangeRef(r.StartRow, r.StartCol, r.EndRow, r.EndCol)
}

// NumericColumns returns the headers of number and currency typed columns.
func (r Region) NumericColumns() []string {
	var out []string
	for i, t := range r.ColumnTypes {
		if t == TypeNumber || t == TypeCurrency {
			out = append(out, r.Headers[i])
		}
	}
	return out
}

// Config holds the detection thresholds. The defaults mirror long-standing
// behavior; treat them as tunable constants, not values to optimize.
type Config struct {
	// HeaderScanRows bounds the header search when finding all tables.
	HeaderScanRows int
	// PrimaryScanRows bounds the header search for the primary table.
	PrimaryScanRows int
	// MinHeaderRun is the minimum run of textual cells that qualifies a
	// row as a header candidate.
	MinHeaderRun int
	// MaxRecordRows soft-caps the downward record walk.
	MaxRecordRows int
	// TypeSampleRows is the number of data rows sampled per column for
	// type inference.
	TypeSampleRows int
	// NumericHitFloor is the minimum numeric-looking samples needed to
	// call a column numeric; below it the column stays text.
	NumericHitFloor int
}

func DefaultConfig() Config {
	return Config{
		HeaderScanRows:  20,
		PrimaryScanRows: 5,
		MinHeaderRun:    2,
		MaxRecordRows:   500,
		TypeSampleRows:  5,
		NumericHitFloor: 2,
	}
}

// Detector reads the grid and never mutates it.
type Detector struct {
	grid grid.API
	cfg  Config
}

func New(g grid.API, cfg Config) *Detector {
	if cfg.HeaderScanRows <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{grid: g, cfg: cfg}
}

// Primary returns the single best table near the top of the sheet, scanning
// at most PrimaryScanRows rows for its header.
func (d *Detector) Primary(ctx context.Context) (Region, *errinfo.ErrorInfo) {
	cells, err := d.readWindow(ctx, 0, 0, -1, -1)
	if err != nil {
		return Region{}, gridError(err)
	}
	cand, ok := bestCandidate(cells, 0, d.cfg.PrimaryScanRows, d.cfg.MinHeaderRun)
	if !ok {
		return Region{}, errinfo.NoRegionFound("no table detected in the sheet")
	}
	return d.buildRegion(cells, cand, 0, 0), nil
}

// DetectAll finds every stacked table whose header sits within the first
// HeaderScanRows rows. Scans restart below each detected region so a table
// is captured exactly once.
func (d *Detector) DetectAll(ctx context.Context) ([]Region, *errinfo.ErrorInfo) {
	cells, err := d.readWindow(ctx, 0, 0, -1, -1)
	if err != nil {
		return nil, gridError(err)
	}
	return d.detectStacked(cells, 0, 0), nil
}

// DetectIn restricts detection to a caller-supplied data range. All row and
// column math re-anchors to the sub-range origin; returned regions are
// translated back to absolute sheet coordinates.
func (d *Detector) DetectIn(ctx context.Context, rangeRef string) ([]Region, *errinfo.ErrorInfo) {
	sr, sc, er, ec, errInfo := cellref.ToRange(rangeRef)
	if errInfo != nil {
		return nil, errInfo
	}
	cells, err := d.readWindow(ctx, sr, sc, er-sr+1, ec-sc+1)
	if err != nil {
		return nil, gridError(err)
	}
	return d.detectStacked(cells, sr, sc), nil
}

func (d *Detector) detectStacked(cells [][]grid.Cell, rowOffset, colOffset int) []Region {
	var out []Region
	scanLimit := d.cfg.HeaderScanRows
	if scanLimit > len(cells) {
		scanLimit = len(cells)
	}
	startRow := 0
	for startRow < scanLimit {
		// The earliest qualifying row wins here, not the longest run: a
		// short table stacked above a wider one must still be captured.
		cand, ok := firstCandidate(cells, startRow, scanLimit, d.cfg.MinHeaderRun)
		if !ok {
			break
		}
		region := d.buildRegion(cells, cand, rowOffset, colOffset)
		out = append(out, region)
		// Resume after the region and its separating blank row.
		startRow = region.EndRow - rowOffset + 2
	}
	return out
}

type headerCandidate struct {
	row      int
	runStart int
	runLen   int
}

// bestCandidate scans rows [startRow, limit) for the header row with the
// longest run of textual cells; ties keep the earliest row.
func bestCandidate(cells [][]grid.Cell, startRow, limit, minRun int) (headerCandidate, bool) {
	best := headerCandidate{runLen: 0}
	found := false
	if limit > len(cells) {
		limit = len(cells)
	}
	for row := startRow; row < limit; row++ {
		runStart, runLen := headerRun(cells[row])
		if runLen < minRun {
			continue
		}
		if runLen > best.runLen {
			best = headerCandidate{row: row, runStart: runStart, runLen: runLen}
			found = true
		}
	}
	return best, found
}

// firstCandidate returns the earliest row in [startRow, limit) with a
// qualifying header run. Used by the stacked scan, where each disjoint
// sub-range contributes its topmost table.
func firstCandidate(cells [][]grid.Cell, startRow, limit, minRun int) (headerCandidate, bool) {
	if limit > len(cells) {
		limit = len(cells)
	}
	for row := startRow; row < limit; row++ {
		runStart, runLen := headerRun(cells[row])
		if runLen >= minRun {
			return headerCandidate{row: row, runStart: runStart, runLen: runLen}, true
		}
	}
	return headerCandidate{}, false
}

// headerRun finds the leftmost run of non-empty, textual, non-formula cells
// in a row. The run stops at the first disqualifying cell.
func headerRun(row []grid.Cell) (int, int) {
	start := -1
	for col, cell := range row {
		if headerCell(cell) {
			start = col
			break
		}
	}
	if start < 0 {
		return 0, 0
	}
	length := 0
	for col := start; col < len(row); col++ {
		if !headerCell(row[col]) {
			break
		}
		length++
	}
	return start, length
}

func headerCell(cell grid.Cell) bool {
	if cell.Empty() || cell.Formula != "" {
		return false
	}
	text, ok := cell.Value.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return false
	}
	// Numeric-looking labels are data, not headers.
	if _, numeric := parseNumeric(text); numeric {
		return false
	}
	return true
}

func (d *Detector) buildRegion(cells [][]grid.Cell, cand headerCandidate, rowOffset, colOffset int) Region {
	headers := make([]string, cand.runLen)
	for i := 0; i < cand.runLen; i++ {
		text, _ := cells[cand.row][cand.runStart+i].Value.(string)
		headers[i] = strings.TrimSpace(text)
	}

	records := 0
	for records < d.cfg.MaxRecordRows {
		row := cand.row + 1 + records
		if row >= len(cells) {
			break
		}
		if spanEmpty(cells[row], cand.runStart, cand.runLen) {
			break
		}
		records++
	}

	region := Region{
		StartRow:    cand.row + rowOffset,
		StartCol:    cand.runStart + colOffset,
		EndRow:      cand.row + records + rowOffset,
		EndCol:      cand.runStart + cand.runLen - 1 + colOffset,
		Headers:     headers,
		RecordCount: records,
	}
	region.ColumnTypes = d.inferTypes(cells, cand, records)
	return region
}

func spanEmpty(row []grid.Cell, start, length int) bool {
	for col := start; col < start+length; col++ {
		if col >= len(row) {
			break
		}
		if !row[col].Empty() {
			return false
		}
	}
	return true
}

func (d *Detector) inferTypes(cells [][]grid.Cell, cand headerCandidate, records int) []ColumnType {
	samples := d.cfg.TypeSampleRows
	if records < samples {
		samples = records
	}
	types := make([]ColumnType, cand.runLen)
	for i := 0; i < cand.runLen; i++ {
		col := cand.runStart + i
		nonBlank, numericHits, currencyHits, dateHits := 0, 0, 0, 0
		for s := 0; s < samples; s++ {
			row := cand.row + 1 + s
			if row >= len(cells) || col >= len(cells[row]) {
				continue
			}
			cell := cells[row][col]
			if cell.Empty() {
				continue
			}
			nonBlank++
			switch classifyValue(cell.Value) {
			case TypeNumber:
				numericHits++
			case TypeCurrency:
				numericHits++
				currencyHits++
			case TypeDate:
				dateHits++
			}
		}
		switch {
		case nonBlank == 0:
			types[i] = TypeEmpty
		case numericHits >= d.cfg.NumericHitFloor:
			if currencyHits >= d.cfg.NumericHitFloor {
				types[i] = TypeCurrency
			} else {
				types[i] = TypeNumber
			}
		case dateHits >= d.cfg.NumericHitFloor:
			types[i] = TypeDate
		default:
			types[i] = TypeText
		}
	}
	return types
}

func classifyValue(value any) ColumnType {
	switch typed := value.(type) {
	case float64, float32, int, int64:
		return TypeNumber
	case bool:
		return TypeText
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return TypeEmpty
		}
		if currency, ok := parseNumeric(trimmed); ok {
			if currency {
				return TypeCurrency
			}
			return TypeNumber
		}
		if isDate(trimmed) {
			return TypeDate
		}
		return TypeText
	default:
		return TypeText
	}
}

var currencyPrefixes = []string{"$", "€", "£", "¥"}

// parseNumeric reports whether the string reads as a numeric literal,
// optionally currency-prefixed and comma-grouped. The second return flags
// whether a currency prefix was present.
func parseNumeric(s string) (bool, bool) {
	trimmed := strings.TrimSpace(s)
	currency := false
	for _, prefix := range currencyPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			currency = true
			break
		}
	}
	trimmed = strings.ReplaceAll(trimmed, ",", "")
	if trimmed == "" {
		return currency, false
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
		return currency, false
	}
	return currency, true
}

// NumericValue extracts a float from a raw cell value, accepting numeric
// types and numeric-looking strings with optional currency prefixes and
// comma grouping.
func NumericValue(value any) (float64, bool) {
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
		trimmed := strings.TrimSpace(typed)
		for _, prefix := range currencyPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
				break
			}
		}
		trimmed = strings.ReplaceAll(trimmed, ",", "")
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "02 Jan 2006"}

func isDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// readWindow fetches the detection window. rows/cols of -1 mean the used
// extent, capped so a huge sheet never floods memory.
func (d *Detector) readWindow(ctx context.Context, startRow, startCol, rows, cols int) ([][]grid.Cell, error) {
	boundRows, boundCols, err := d.grid.Bounds(ctx)
	if err != nil {
		return nil, err
	}
	if rows < 0 {
		rows = boundRows - startRow
	}
	if cols < 0 {
		cols = boundCols - startCol
	}
	limit := d.cfg.HeaderScanRows + d.cfg.MaxRecordRows
	if rows > limit {
		rows = limit
	}
	if rows <= 0 || cols <= 0 {
		return nil, nil
	}
	return d.grid.GetRegion(ctx, startRow, startCol, rows, cols)
}

func gridError(err error) *errinfo.ErrorInfo {
	if err == nil {
		return nil
	}
	return errinfo.EngineUnavailable(err.Error())
}
