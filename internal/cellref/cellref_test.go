package cellref

import (
	"testing"

	"gridpilot/engine/internal/errinfo"
)

func TestToIndices(t *testing.T) {
	cases := []struct {
		ref string
		row int
		col int
	}{
		{"A1", 0, 0},
		{"C7", 6, 2},
		{"Z1", 0, 25},
		{"AA1", 0, 26},
		{"AB10", 9, 27},
		{"c7", 6, 2},
		{" B3 ", 2, 1},
		{"$D$4", 3, 3},
	}
	for _, tc := range cases {
		row, col, errInfo := ToIndices(tc.ref)
		if errInfo != nil {
			t.Fatalf("ToIndices(%q): %v", tc.ref, errInfo)
		}
		if row != tc.row || col != tc.col {
			t.Fatalf("ToIndices(%q) = (%d,%d), want (%d,%d)", tc.ref, row, col, tc.row, tc.col)
		}
	}
}

func TestToIndicesMalformed(t *testing.T) {
	for _, ref := range []string{"", "7", "C", "C0", "C-1", "1C", "C7X", "!!"} {
		_, _, errInfo := ToIndices(ref)
		if errInfo == nil {
			t.Fatalf("ToIndices(%q): expected error", ref)
		}
		if errInfo.ErrorCode != errinfo.CodeMalformedReference {
			t.Fatalf("ToIndices(%q): code %s", ref, errInfo.ErrorCode)
		}
		if errInfo.Retryable {
			t.Fatalf("ToIndices(%q): malformed references are not retryable", ref)
		}
	}
}

func TestToRangeNormalizesCorners(t *testing.T) {
	sr, sc, er, ec, errInfo := ToRange("D20:A1")
	if errInfo != nil {
		t.Fatalf("range: %v", errInfo)
	}
	if sr != 0 || sc != 0 || er != 19 || ec != 3 {
		t.Fatalf("got (%d,%d,%d,%d)", sr, sc, er, ec)
	}
}

func TestToRangeSingleCell(t *testing.T) {
	sr, sc, er, ec, errInfo := ToRange("B2")
	if errInfo != nil {
		t.Fatalf("range: %v", errInfo)
	}
	if sr != 1 || sc != 1 || er != 1 || ec != 1 {
		t.Fatalf("got (%d,%d,%d,%d)", sr, sc, er, ec)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, ref := range []string{"A1", "C7", "Z99", "AA1", "AZ12", "BA100"} {
		row, col, errInfo := ToIndices(ref)
		if errInfo != nil {
			t.Fatalf("ToIndices(%q): %v", ref, errInfo)
		}
		if got := ToRef(row, col); got != ref {
			t.Fatalf("round trip %q -> %q", ref, got)
		}
	}
}

func TestColumnLetters(t *testing.T) {
	cases := map[int]string{0: "A", 25: "Z", 26: "AA", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for col, want := range cases {
		if got := ColumnLetters(col); got != want {
			t.Fatalf("ColumnLetters(%d) = %q, want %q", col, got, want)
		}
		idx, ok := ColumnIndex(want)
		if !ok || idx != col {
			t.Fatalf("ColumnIndex(%q) = (%d,%v), want %d", want, idx, ok, col)
		}
	}
}

func TestColumnIndexRejectsNonLetters(t *testing.T) {
	for _, s := range []string{"", "A1", "-", "1"} {
		if _, ok := ColumnIndex(s); ok {
			t.Fatalf("ColumnIndex(%q): expected failure", s)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"c7":        "C7",
		" $A$1 ":    "A1",
		"d20:a1":    "A1:D20",
		"A1:D20":    "A1:D20",
		"not-a-ref": "not-a-ref",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
