package bundle

import (
	"bytes"
	"encoding/json"
)

// maxCutCandidates bounds how many truncation points closeTruncated tries.
const maxCutCandidates = 256

// lenientJSON recovers a JSON object from a damaged document. It drops NUL
// bytes, ignores anything after the outermost object and closes an object
// that was cut short.
func lenientJSON(data []byte) ([]byte, bool) {
	data = bytes.ReplaceAll(data, []byte{0}, nil)
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, false
	}
	data = bytes.TrimSpace(data[start:])
	if json.Valid(data) {
		return data, true
	}

	type cut struct {
		at    int
		stack []byte
	}
	var (
		cuts     []cut
		stack    []byte
		inString bool
		escaped  bool
	)

scan:
	for i, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
			cuts = append(cuts, cut{at: i + 1, stack: append([]byte(nil), stack...)})
		case '}', ']':
			if len(stack) == 0 {
				return nil, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				candidate := data[:i+1]
				if json.Valid(candidate) {
					return candidate, true
				}
				break scan
			}
			cuts = append(cuts, cut{at: i + 1, stack: append([]byte(nil), stack...)})
		case ',':
			cuts = append(cuts, cut{at: i, stack: append([]byte(nil), stack...)})
		}
	}

	for n, i := 0, len(cuts)-1; i >= 0 && n < maxCutCandidates; i, n = i-1, n+1 {
		c := cuts[i]
		candidate := make([]byte, 0, c.at+len(c.stack))
		candidate = append(candidate, data[:c.at]...)
		for j := len(c.stack) - 1; j >= 0; j-- {
			if c.stack[j] == '{' {
				candidate = append(candidate, '}')
			} else {
				candidate = append(candidate, ']')
			}
		}
		if json.Valid(candidate) {
			return candidate, true
		}
	}
	return nil, false
}
