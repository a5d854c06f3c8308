package diff

import (
	"testing"

	"gridpilot/engine/internal/grid"
)

func block(rows [][]any) [][]grid.Cell {
	out := make([][]grid.Cell, len(rows))
	for r, row := range rows {
		out[r] = make([]grid.Cell, len(row))
		for c, v := range row {
			out[r][c] = grid.Cell{Value: v}
		}
	}
	return out
}

func TestSnapshotText(t *testing.T) {
	cells := block([][]any{{"Name", "Sales"}, {"Alice", 10.0}})
	cells[1][1] = grid.Cell{Formula: "=SUM(A1:A2)"}
	got := SnapshotText(cells)
	want := "Name\tSales\nAlice\t=SUM(A1:A2)\n"
	if got != want {
		t.Fatalf("snapshot: %q", got)
	}
}

func TestSummaryNoChange(t *testing.T) {
	a := block([][]any{{"x", 1.0}, {"y", 2.0}})
	b := block([][]any{{"x", 1.0}, {"y", 2.0}})
	if got := Summary(a, b); got != "no visible change" {
		t.Fatalf("summary: %q", got)
	}
}

func TestSummaryCountsChangedRows(t *testing.T) {
	before := block([][]any{{"x", 1.0}, {"y", 2.0}, {"z", 3.0}})
	after := block([][]any{{"x", 1.0}, {"y", 20.0}, {"z", 3.0}})
	if got := Summary(before, after); got != "1 row changed" {
		t.Fatalf("summary: %q", got)
	}
	after2 := block([][]any{{"x", 10.0}, {"y", 20.0}, {"z", 3.0}})
	if got := Summary(before, after2); got != "2 rows changed" {
		t.Fatalf("summary: %q", got)
	}
}

func TestRowsMarksAddedAndRemoved(t *testing.T) {
	before := "a\tb\nc\td\n"
	after := "a\tb\nc\tD\n"
	lines := Rows(before, after)
	var added, removed int
	for _, line := range lines {
		switch line.Type {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		}
	}
	if added != 1 || removed != 1 {
		t.Fatalf("added=%d removed=%d lines=%v", added, removed, lines)
	}
}
