package blocklist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"dns-firewall/pkg/pattern"
)

// ErrLoad marks a blocklist source that could not be read at all.
// Individual bad rules never produce it.
var ErrLoad = errors.New("blocklist load failed")

// maxLineLength bounds a single rule line
const maxLineLength = 64 * 1024

// Warning describes a rule line that was skipped during parsing
type Warning struct {
	Line int
	Text string
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("line %d: %v", w.Line, w.Err)
}

// Parse compiles a blocklist source into a matcher. Invalid rule lines are
// skipped and reported as warnings; only a read failure returns an error.
func Parse(r io.Reader) (*pattern.Matcher, []Warning, error) {
	b := pattern.NewBuilder()
	var warnings []Warning

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()

		rule, ok, err := pattern.ParseRule(text)
		if err != nil {
			warnings = append(warnings, Warning{Line: lineNo, Text: text, Err: err})
			continue
		}
		if ok {
			b.Add(rule)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("%w: reading line %d: %v", ErrLoad, lineNo+1, err)
	}

	return b.Build(), warnings, nil
}

// ParseBytes is Parse over an in-memory source
func ParseBytes(data []byte) (*pattern.Matcher, []Warning, error) {
	return Parse(bytes.NewReader(data))
}

// LoadFile reads and compiles the blocklist at path
func LoadFile(path string) (*pattern.Matcher, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return ParseBytes(data)
}
