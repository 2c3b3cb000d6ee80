package textutils

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.bug.st/lsp"
)

// ApplyTextChange replaces startingText substring specified by replaceRange with insertText
func ApplyTextChange(startingText string, replaceRange lsp.Range, insertText string) (res string, err error) {
	start, err := GetOffset(startingText, replaceRange.Start)
	if err != nil {
		return "", err
	}
	end, err := GetOffset(startingText, replaceRange.End)
	if err != nil {
		return "", err
	}
	if end < start {
		start, end = end, start
	}

	return startingText[:start] + insertText + startingText[end:], nil
}

// GetOffset computes the byte offset in the text expressed by the lsp.Position.
// Characters are counted in UTF-16 code units, as mandated by LSP.
// Returns OutOfRangeError if the position is out of range.
func GetOffset(text string, pos lsp.Position) (int, error) {
	// Find line
	lineOffset, err := getLineOffset(text, pos.Line)
	if err != nil {
		return -1, err
	}
	character := pos.Character
	if character == 0 {
		return lineOffset, nil
	}
	if character < 0 {
		return -1, OutOfRangeError{"Character", lineLength(text[lineOffset:]), character}
	}

	units := 0
	for offset, c := range text[lineOffset:] {
		if units >= character {
			return lineOffset + offset, nil
		}
		if c == '\n' {
			// We've reached the end of line. LSP spec says we should default back to the line length.
			// See https://microsoft.github.io/language-server-protocol/specifications/specification-3-14/#position
			return lineOffset + offset, nil
		}
		units += utf16Len(c)
	}

	// We've reached the end of the last line. Default to the text length (see above).
	return len(text), nil
}

// GetPosition is the inverse of GetOffset: it converts a byte offset into an
// lsp.Position. Offsets past the end of the text are clamped.
func GetPosition(text string, offset int) lsp.Position {
	if offset > len(text) {
		offset = len(text)
	}
	pos := lsp.Position{}
	for _, c := range text[:offset] {
		if c == '\n' {
			pos.Line++
			pos.Character = 0
			continue
		}
		pos.Character += utf16Len(c)
	}
	return pos
}

// EndPosition returns the position just after the last character of text.
func EndPosition(text string) lsp.Position {
	return GetPosition(text, len(text))
}

// ComputeChange returns the smallest single-range edit that transforms
// oldText into newText. The second return value is false when the texts
// are identical.
func ComputeChange(oldText, newText string) (lsp.TextDocumentContentChangeEvent, bool) {
	if oldText == newText {
		return lsp.TextDocumentContentChangeEvent{}, false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)

	prefix, suffix := 0, 0
	if len(diffs) > 0 && diffs[0].Type == diffmatchpatch.DiffEqual {
		prefix = len(diffs[0].Text)
	}
	if last := len(diffs) - 1; last > 0 && diffs[last].Type == diffmatchpatch.DiffEqual {
		suffix = len(diffs[last].Text)
	}

	rng := lsp.Range{
		Start: GetPosition(oldText, prefix),
		End:   GetPosition(oldText, len(oldText)-suffix),
	}
	return lsp.TextDocumentContentChangeEvent{
		Range: &rng,
		Text:  newText[prefix : len(newText)-suffix],
	}, true
}

// getLineOffset finds the offset/position of the beginning of a line within the text.
// For example:
//
//	text := "foo\nfoobar\nbaz"
//	getLineOffset(text, 0) == 0
//	getLineOffset(text, 1) == 4
//	getLineOffset(text, 2) == 11
func getLineOffset(text string, line int) (int, error) {
	if line == 0 {
		return 0, nil
	}
	if line < 0 {
		return -1, OutOfRangeError{"Line", 0, line}
	}

	// Find the line and return its offset within the text
	var count int
	for offset, c := range text {
		if c == '\n' {
			count++
			if count == line {
				return offset + 1, nil
			}
		}
	}

	// We haven't found the line in the text
	return -1, OutOfRangeError{"Line", count, line}
}

func lineLength(text string) int {
	n := 0
	for _, c := range text {
		if c == '\n' {
			break
		}
		n += utf16Len(c)
	}
	return n
}

func utf16Len(c rune) int {
	if c >= 0x10000 {
		return 2
	}
	return 1
}

// OutOfRangeError returned if one attempts to access text out of its range
type OutOfRangeError struct {
	Type string
	Max  int
	Req  int
}

func (oor OutOfRangeError) Error() string {
	return fmt.Sprintf("%s access out of range: max=%d requested=%d", oor.Type, oor.Max, oor.Req)
}
