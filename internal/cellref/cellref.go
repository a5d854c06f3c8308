// Package cellref converts between A1-style cell references and zero-based
// (row, column) coordinates. Letters are case-insensitive on input and
// uppercase on output; rows are 1-based in references and 0-based internally.
package cellref

import (
	"strconv"
	"strings"
	"unicode"

	"gridpilot/engine/internal/errinfo"
)

// ToIndices parses a single cell reference such as "C7" into zero-based
// row and column indices.
func ToIndices(ref string) (int, int, *errinfo.ErrorInfo) {
	row, col, ok := parse(ref)
	if !ok {
		return 0, 0, errinfo.MalformedReference(ref)
	}
	return row, col, nil
}

// ToRange parses an "A1:D20"-style range reference into zero-based
// start/end row and column indices. The corners are normalized so that
// start <= end on both axes.
func ToRange(ref string) (startRow, startCol, endRow, endCol int, errInfo *errinfo.ErrorInfo) {
	trimmed := strings.TrimSpace(ref)
	colon := strings.Index(trimmed, ":")
	if colon < 0 {
		row, col, ok := parse(trimmed)
		if !ok {
			return 0, 0, 0, 0, errinfo.MalformedReference(ref)
		}
		return row, col, row, col, nil
	}
	sr, sc, ok := parse(trimmed[:colon])
	if !ok {
		return 0, 0, 0, 0, errinfo.MalformedReference(ref)
	}
	er, ec, ok := parse(trimmed[colon+1:])
	if !ok {
		return 0, 0, 0, 0, errinfo.MalformedReference(ref)
	}
	if er < sr {
		sr, er = er, sr
	}
	if ec < sc {
		sc, ec = ec, sc
	}
	return sr, sc, er, ec, nil
}

// ToRef formats zero-based indices as an uppercase A1-style reference.
// Negative indices are clamped to zero.
func ToRef(row, col int) string {
	if row < 0 {
		row = 0
	}
	if col < 0 {
		col = 0
	}
	return ColumnLetters(col) + strconv.Itoa(row+1)
}

// RangeRef formats a zero-based rectangular extent as "A1:D20".
func RangeRef(startRow, startCol, endRow, endCol int) string {
	return ToRef(startRow, startCol) + ":" + ToRef(endRow, endCol)
}

// ColumnLetters converts a zero-based column index to base-26 letters
// (A..Z, AA, AB, ...).
func ColumnLetters(col int) string {
	if col < 0 {
		col = 0
	}
	letters := make([]byte, 0, 3)
	n := col + 1
	for n > 0 {
		n--
		letters = append(letters, byte('A'+n%26))
		n /= 26
	}
	for i, j := 0, len(letters)-1; i < j; i, j = i+1, j-1 {
		letters[i], letters[j] = letters[j], letters[i]
	}
	return string(letters)
}

// ColumnIndex converts column letters to a zero-based index. The second
// return is false when the input contains anything but letters.
func ColumnIndex(letters string) (int, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(letters))
	if trimmed == "" {
		return 0, false
	}
	col := 0
	for _, ch := range trimmed {
		if ch < 'A' || ch > 'Z' {
			return 0, false
		}
		col = col*26 + int(ch-'A'+1)
	}
	return col - 1, true
}

// Normalize reformats a reference in canonical form (uppercase letters, no
// surrounding space, "$" anchors stripped). Malformed input yields the
// trimmed original.
func Normalize(ref string) string {
	trimmed := strings.ReplaceAll(strings.TrimSpace(ref), "$", "")
	if colon := strings.Index(trimmed, ":"); colon >= 0 {
		sr, sc, er, ec, errInfo := ToRange(trimmed)
		if errInfo != nil {
			return trimmed
		}
		return RangeRef(sr, sc, er, ec)
	}
	row, col, ok := parse(trimmed)
	if !ok {
		return trimmed
	}
	return ToRef(row, col)
}

func parse(cell string) (int, int, bool) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(cell), "$", "")
	if trimmed == "" {
		return 0, 0, false
	}
	i := 0
	for i < len(trimmed) && unicode.IsLetter(rune(trimmed[i])) {
		i++
	}
	if i == 0 || i == len(trimmed) {
		return 0, 0, false
	}
	col, ok := ColumnIndex(trimmed[:i])
	if !ok {
		return 0, 0, false
	}
	row, err := strconv.Atoi(trimmed[i:])
	if err != nil || row <= 0 {
		return 0, 0, false
	}
	return row - 1, col, true
}
