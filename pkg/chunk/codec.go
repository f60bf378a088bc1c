// Package chunk splits documents into fixed-width cells for row-oriented
// stores and joins them back.
//
// Width is counted in UTF-16 code units, the unit spreadsheet cell limits
// are expressed in: a code point outside the Basic Multilingual Plane costs
// two. A code point is never split across two cells, so every cell is valid
// UTF-8 on its own.
package chunk

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// MinWidth is the narrowest width that fits any single code point.
const MinWidth = 2

var (
	ErrInvalidWidth  = errors.New("chunk width must be at least 2")
	ErrWidthTooLarge = errors.New("chunk width exceeds store cell limit")
)

// Width returns the length of s in UTF-16 code units.
func Width(s string) int {
	n := 0
	for _, r := range s {
		n += runeWidth(r)
	}
	return n
}

func runeWidth(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// Encode splits document into cells of at most maxWidth units, filling each
// cell as far as the next code point allows. The empty document encodes to a
// single empty cell so that every row has at least one data cell.
func Encode(document string, maxWidth int) ([]string, error) {
	if maxWidth < MinWidth {
		return nil, ErrInvalidWidth
	}
	if document == "" {
		return []string{""}, nil
	}

	chunks := make([]string, 0, len(document)/maxWidth+1)
	start, width := 0, 0
	for i, r := range document {
		w := runeWidth(r)
		if width+w > maxWidth {
			chunks = append(chunks, document[start:i])
			start, width = i, 0
		}
		width += w
	}
	chunks = append(chunks, document[start:])
	return chunks, nil
}

// Decode joins cells back into a document. When firstCellIsHeader is set the
// first cell (name or task-set id) is dropped.
func Decode(cells []string, firstCellIsHeader bool) string {
	if firstCellIsHeader {
		if len(cells) == 0 {
			return ""
		}
		cells = cells[1:]
	}
	return strings.Join(cells, "")
}

// Row builds a store row: the header cell followed by the document chunks.
func Row(header, document string, maxWidth int) ([]string, error) {
	chunks, err := Encode(document, maxWidth)
	if err != nil {
		return nil, err
	}
	return append([]string{header}, chunks...), nil
}

// Split is the inverse of Row.
func Split(row []string) (header, document string) {
	if len(row) == 0 {
		return "", ""
	}
	return row[0], Decode(row, true)
}

// Validate checks a configured width against the backing store's per-cell
// limit.
func Validate(maxWidth, cellLimit int) error {
	if maxWidth < MinWidth {
		return ErrInvalidWidth
	}
	if cellLimit > 0 && maxWidth > cellLimit {
		return fmt.Errorf("%w: %d > %d", ErrWidthTooLarge, maxWidth, cellLimit)
	}
	return nil
}
