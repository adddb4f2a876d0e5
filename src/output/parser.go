// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package output turns the raw output stream of a sandbox unit into log lines
// and progress updates.
package output

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxLineBytes is the longest line kept in the buffer before it is emitted as is.
const MaxLineBytes = 64 << 10

var progressMarker = regexp.MustCompile(`(?i)(?:progress|进度)\s*[:：]\s*(\d+)\s*/\s*(\d+)`)

// Line is one trimmed line of output. Progress is set when the line carried a
// progress marker.
type Line struct {
	Text     string
	Progress *int
}

// Parser splits a chunked byte stream into lines. Only the unterminated tail of
// the previous chunk is carried between calls.
type Parser struct {
	partial []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one chunk and returns the complete lines it closed.
func (p *Parser) Feed(chunk []byte) []Line {
	var lines []Line
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.partial = append(p.partial, chunk...)
			for len(p.partial) > MaxLineBytes {
				cut := cutPoint(p.partial)
				lines = appendLine(lines, p.partial[:cut])
				p.partial = append(p.partial[:0], p.partial[cut:]...)
			}
			break
		}
		if len(p.partial) > 0 {
			p.partial = append(p.partial, chunk[:i]...)
			lines = appendLine(lines, p.partial)
			p.partial = p.partial[:0]
		} else {
			lines = appendLine(lines, chunk[:i])
		}
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the trailing unterminated line, if any, and resets the parser.
func (p *Parser) Flush() []Line {
	if len(p.partial) == 0 {
		return nil
	}
	lines := appendLine(nil, p.partial)
	p.partial = nil
	return lines
}

// cutPoint returns where to split an overlong buffer without breaking a rune.
// b must be longer than MaxLineBytes.
func cutPoint(b []byte) int {
	for i := MaxLineBytes; i > MaxLineBytes-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return MaxLineBytes
}

// appendLine keeps only text a TEXT column accepts: valid UTF-8 without NUL.
func appendLine(lines []Line, raw []byte) []Line {
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.TrimSpace(text)
	if text == "" {
		return lines
	}
	line := Line{Text: text}
	if pct, ok := ParseProgress(text); ok {
		line.Progress = &pct
	}
	return append(lines, line)
}

// ParseProgress extracts a "current/total" marker as a rounded percentage.
func ParseProgress(text string) (int, bool) {
	m := progressMarker.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	current, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	total, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	pct := math.Round(float64(current) / float64(total) * 100)
	return int(min(pct, 100)), true
}
