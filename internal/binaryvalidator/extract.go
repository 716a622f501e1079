package binaryvalidator

import (
	"errors"
	"strings"
)

// extractTier names which extraction strategy produced the report, recorded
// in metrics and in the step details.
type extractTier string

const (
	tierBalancedScan extractTier = "balanced_scan"
	tierOpenLine     extractTier = "open_line"
	tierLastBraces   extractTier = "last_braces"
)

var errNoValidatorOutput = errors.New("no validator output object in stdout")

// extractReport locates the last syntactically valid JSON object in stdout
// that also looks like validator output. Three strategies run in order:
// a bracket-balanced scan of the whole stream, a scan of lines ending in an
// opening brace, and finally the substring between the last braces.
func extractReport(stdout string) (*BinaryOutput, extractTier, error) {
	if spans := topLevelObjectSpans(stdout); len(spans) > 0 {
		for i := len(spans) - 1; i >= 0; i-- {
			candidate := []byte(stdout[spans[i].start : spans[i].end+1])
			if !looksLikeValidatorOutput(candidate) {
				continue
			}
			out, err := parseOutput(candidate)
			if err != nil {
				continue
			}
			return out, tierBalancedScan, nil
		}
	}

	if out := extractFromOpenLine(stdout); out != nil {
		return out, tierOpenLine, nil
	}

	if out := extractBetweenLastBraces(stdout); out != nil {
		return out, tierLastBraces, nil
	}

	return nil, "", errNoValidatorOutput
}

type span struct{ start, end int }

// topLevelObjectSpans collects every balanced top-level { ... } span in s,
// skipping braces inside JSON string literals.
func topLevelObjectSpans(s string) []span {
	var spans []span
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue // stray closer outside any object
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
		}
	}
	return spans
}

// extractFromOpenLine finds lines ending with an opening brace and tries to
// parse from that line to the end of the stream, newest line first.
func extractFromOpenLine(stdout string) *BinaryOutput {
	lines := strings.Split(stdout, "\n")
	offset := len(stdout)
	for i := len(lines) - 1; i >= 0; i-- {
		offset -= len(lines[i])
		if i > 0 {
			offset-- // the newline itself
		}
		if !strings.HasSuffix(strings.TrimRight(lines[i], " \t\r"), "{") {
			continue
		}
		lineStart := offset
		if lineStart < 0 {
			lineStart = 0
		}
		candidate := []byte(strings.TrimSpace(stdout[lineStart:]))
		if !looksLikeValidatorOutput(candidate) {
			continue
		}
		out, err := parseOutput(candidate)
		if err != nil {
			continue
		}
		return out
	}
	return nil
}

// extractBetweenLastBraces takes the substring between the last opening and
// the last closing brace of the trimmed stream.
func extractBetweenLastBraces(stdout string) *BinaryOutput {
	trimmed := strings.TrimSpace(stdout)
	open := strings.LastIndexByte(trimmed, '{')
	closer := strings.LastIndexByte(trimmed, '}')
	if open < 0 || closer < 0 || open >= closer {
		return nil
	}
	candidate := []byte(trimmed[open : closer+1])
	if !looksLikeValidatorOutput(candidate) {
		return nil
	}
	out, err := parseOutput(candidate)
	if err != nil {
		return nil
	}
	return out
}
