package room

import "strings"

// runeOffset converts a (line, column) cursor to a rune offset in content.
// Returns false when the position does not exist in the text.
func runeOffset(content string, line, column int) (int, bool) {
	if line < 0 || column < 0 {
		return 0, false
	}
	lines := strings.Split(content, "\n")
	if line >= len(lines) {
		return 0, false
	}
	lineRunes := []rune(lines[line])
	if column > len(lineRunes) {
		return 0, false
	}
	offset := 0
	for i := 0; i < line; i++ {
		offset += len([]rune(lines[i])) + 1 // +1 for the newline
	}
	return offset + column, true
}

// lineColumn converts a rune offset back to (line, column), clamping an
// offset past the end of content to the last position.
func lineColumn(content string, offset int) (int, int) {
	runes := []rune(content)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}
	line, column := 0, 0
	for _, r := range runes[:offset] {
		if r == '\n' {
			line++
			column = 0
		} else {
			column++
		}
	}
	return line, column
}
