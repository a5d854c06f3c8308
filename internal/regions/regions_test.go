package regions

import (
	"context"
	"testing"

	"gridpilot/engine/internal/errinfo"
	"gridpilot/engine/internal/grid"
)

func seed(t *testing.T, m *grid.Memory, startRow, startCol int, rows [][]any) {
	t.Helper()
	if err := m.SetRange(context.Background(), startRow, startCol, rows); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func salesSheet(t *testing.T) *grid.Memory {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Name", "Region", "Sales"},
		{"Alice", "East", 10.0},
		{"Bob", "West", 20.0},
		{"Cara", "East", 5.0},
	})
	return m
}

func TestPrimaryDetectsTable(t *testing.T) {
	d := New(salesSheet(t), DefaultConfig())
	region, errInfo := d.Primary(context.Background())
	if errInfo != nil {
		t.Fatalf("primary: %v", errInfo)
	}
	if region.StartRow != 0 || region.StartCol != 0 || region.EndRow != 3 || region.EndCol != 2 {
		t.Fatalf("bounds: %+v", region)
	}
	if len(region.Headers) != 3 || region.Headers[0] != "Name" || region.Headers[2] != "Sales" {
		t.Fatalf("headers: %v", region.Headers)
	}
	if region.RecordCount != 3 {
		t.Fatalf("record count: %d", region.RecordCount)
	}
	if got := region.RangeRef(); got != "A1:C4" {
		t.Fatalf("range ref: %s", got)
	}
	if region.ColumnTypes[2] != TypeNumber {
		t.Fatalf("sales type: %s", region.ColumnTypes[2])
	}
}

func TestPrimaryEmptySheet(t *testing.T) {
	d := New(grid.NewMemory(), DefaultConfig())
	_, errInfo := d.Primary(context.Background())
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeNoRegionFound {
		t.Fatalf("expected NO_REGION_FOUND, got %v", errInfo)
	}
}

func TestPrimaryScanWindowBoundsHeaderSearch(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 6, 0, [][]any{
		{"Name", "Qty"},
		{"Alice", 1.0},
	})
	d := New(m, DefaultConfig())
	if _, errInfo := d.Primary(context.Background()); errInfo == nil {
		t.Fatalf("header beyond the primary scan window should not be found")
	}
	all, errInfo := d.DetectAll(context.Background())
	if errInfo != nil {
		t.Fatalf("detect all: %v", errInfo)
	}
	if len(all) != 1 || all[0].StartRow != 6 {
		t.Fatalf("detect all: %+v", all)
	}
}

func TestHeaderRunSkipsNumericLabels(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"2024", "Name", "Qty"},
		{"", "Alice", 1.0},
		{"", "Bob", 2.0},
	})
	d := New(m, DefaultConfig())
	region, errInfo := d.Primary(context.Background())
	if errInfo != nil {
		t.Fatalf("primary: %v", errInfo)
	}
	if region.StartCol != 1 || len(region.Headers) != 2 || region.Headers[0] != "Name" {
		t.Fatalf("region: %+v", region)
	}
}

func TestRecordWalkStopsAtBlankRow(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Name", "Qty"},
		{"Alice", 1.0},
		{"Bob", 2.0},
	})
	seed(t, m, 4, 0, [][]any{{"stray", "note"}})
	d := New(m, DefaultConfig())
	region, errInfo := d.Primary(context.Background())
	if errInfo != nil {
		t.Fatalf("primary: %v", errInfo)
	}
	if region.RecordCount != 2 || region.EndRow != 2 {
		t.Fatalf("region: %+v", region)
	}
}

func TestDetectAllStackedTables(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Name", "Qty"},
		{"Alice", 1.0},
	})
	seed(t, m, 3, 0, [][]any{
		{"City", "Pop"},
		{"Lyon", 500.0},
		{"Nice", 340.0},
	})
	d := New(m, DefaultConfig())
	all, errInfo := d.DetectAll(context.Background())
	if errInfo != nil {
		t.Fatalf("detect all: %v", errInfo)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(all))
	}
	if all[0].StartRow != 0 || all[0].RecordCount != 1 {
		t.Fatalf("first region: %+v", all[0])
	}
	if all[1].StartRow != 3 || all[1].RecordCount != 2 {
		t.Fatalf("second region: %+v", all[1])
	}
}

func TestDetectAllKeepsNarrowTableAboveWiderOne(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Name", "Qty"},
		{"Alice", 1.0},
	})
	seed(t, m, 3, 0, [][]any{
		{"City", "Pop", "Area"},
		{"Lyon", 500.0, 48.0},
	})
	d := New(m, DefaultConfig())
	all, errInfo := d.DetectAll(context.Background())
	if errInfo != nil {
		t.Fatalf("detect all: %v", errInfo)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 regions, got %d: %+v", len(all), all)
	}
	if all[0].StartRow != 0 || len(all[0].Headers) != 2 || all[0].Headers[0] != "Name" {
		t.Fatalf("upper region: %+v", all[0])
	}
	if all[1].StartRow != 3 || len(all[1].Headers) != 3 || all[1].Headers[0] != "City" {
		t.Fatalf("lower region: %+v", all[1])
	}
}

func TestDetectInReturnsAbsoluteCoordinates(t *testing.T) {
	m := grid.NewMemory()
	// Decoy table near the origin, target table anchored at D5.
	seed(t, m, 0, 0, [][]any{
		{"Name", "Qty"},
		{"Alice", 1.0},
	})
	seed(t, m, 4, 3, [][]any{
		{"Item", "Price"},
		{"Pen", 2.0},
		{"Pad", 4.0},
	})
	d := New(m, DefaultConfig())
	found, errInfo := d.DetectIn(context.Background(), "D5:E8")
	if errInfo != nil {
		t.Fatalf("detect in: %v", errInfo)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 region, got %d", len(found))
	}
	region := found[0]
	if region.StartRow != 4 || region.StartCol != 3 || region.EndRow != 6 || region.EndCol != 4 {
		t.Fatalf("region: %+v", region)
	}
	if got := region.RangeRef(); got != "D5:E7" {
		t.Fatalf("range ref: %s", got)
	}
}

func TestDetectInMalformedRange(t *testing.T) {
	d := New(grid.NewMemory(), DefaultConfig())
	_, errInfo := d.DetectIn(context.Background(), "nope")
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeMalformedReference {
		t.Fatalf("expected MALFORMED_REFERENCE, got %v", errInfo)
	}
}

func TestInferTypes(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Label", "Count", "Price", "When", "Spare"},
		{"a", 1.0, "$1,200", "2024-03-01", nil},
		{"b", 2.0, "$90", "2024-03-02", nil},
		{"c", "x", "$5.50", "2024-03-03", nil},
	})
	d := New(m, DefaultConfig())
	region, errInfo := d.Primary(context.Background())
	if errInfo != nil {
		t.Fatalf("primary: %v", errInfo)
	}
	want := []ColumnType{TypeText, TypeNumber, TypeCurrency, TypeDate, TypeEmpty}
	if len(region.ColumnTypes) != len(want) {
		t.Fatalf("types: %v", region.ColumnTypes)
	}
	for i, typ := range want {
		if region.ColumnTypes[i] != typ {
			t.Fatalf("column %d: got %s, want %s", i, region.ColumnTypes[i], typ)
		}
	}
}

func TestInferTypesBelowFloorStaysText(t *testing.T) {
	m := grid.NewMemory()
	seed(t, m, 0, 0, [][]any{
		{"Label", "Mixed"},
		{"a", "note"},
		{"b", 7.0},
		{"c", "other"},
	})
	d := New(m, DefaultConfig())
	region, errInfo := d.Primary(context.Background())
	if errInfo != nil {
		t.Fatalf("primary: %v", errInfo)
	}
	if region.ColumnTypes[1] != TypeText {
		t.Fatalf("mixed column: %s", region.ColumnTypes[1])
	}
}

func TestNumericColumns(t *testing.T) {
	region := Region{
		Headers:     []string{"Name", "Sales", "Cost"},
		ColumnTypes: []ColumnType{TypeText, TypeNumber, TypeCurrency},
	}
	got := region.NumericColumns()
	if len(got) != 2 || got[0] != "Sales" || got[1] != "Cost" {
		t.Fatalf("numeric columns: %v", got)
	}
}

func TestNumericValue(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{42.0, 42, true},
		{7, 7, true},
		{"1,234.5", 1234.5, true},
		{"$1,200", 1200, true},
		{" €90 ", 90, true},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := NumericValue(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NumericValue(%v) = (%v,%v), want (%v,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
