// Package diff compares grid snapshots taken before and after a mutation
// and condenses the result into the short summaries carried by the action
// log and tool results.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"gridpilot/engine/internal/grid"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// SnapshotText renders a cell block as tab-separated lines, one line per
// row. Formulas render as their source so formula edits show up in diffs.
func SnapshotText(cells [][]grid.Cell) string {
	var b strings.Builder
	for _, row := range cells {
		fields := make([]string, len(row))
		for i, cell := range row {
			switch {
			case cell.Formula != "":
				fields[i] = cell.Formula
			case cell.Value == nil:
				fields[i] = ""
			default:
				fields[i] = fmt.Sprintf("%v", cell.Value)
			}
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteString("\n")
	}
	return b.String()
}

// Rows computes a line-per-row diff between two snapshot texts.
func Rows(before, after string) []Line {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, d := range diffs {
		chunkLines := strings.Split(d.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// Summary describes a before/after pair in one short clause, e.g.
// "3 rows changed". Identical snapshots yield "no visible change".
func Summary(before, after [][]grid.Cell) string {
	beforeText := SnapshotText(before)
	afterText := SnapshotText(after)
	if beforeText == afterText {
		return "no visible change"
	}
	changed := 0
	for _, line := range Rows(beforeText, afterText) {
		if line.Type == LineAdded {
			changed++
		}
	}
	if changed == 0 {
		// Pure deletions still count as touched rows.
		for _, line := range Rows(beforeText, afterText) {
			if line.Type == LineRemoved {
				changed++
			}
		}
	}
	if changed == 1 {
		return "1 row changed"
	}
	return fmt.Sprintf("%d rows changed", changed)
}
