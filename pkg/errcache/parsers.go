package errcache

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Line shapes produced by the supported tools:
//
//	ruff:    <file>:<line>:<col>: <CODE> <message>
//	pyright: <file>:<line>:<col> - error: <message> (<CODE>)
//	bandit:  Issue: <text>  Test: <CODE>
var (
	ruffLineRe    = regexp.MustCompile(`^(\S+):(\d+):(\d+):\s+([A-Z][A-Z0-9]*)\s+(.+)$`)
	pyrightLineRe = regexp.MustCompile(`-\s*error:\s*(.+?)\s*\(([\w-]+)\)\s*$`)
	banditLineRe  = regexp.MustCompile(`^Issue:\s*(.+?)\s+Test:\s*(\S+)`)
)

// parsedLine is the (code, message, file) triple extracted from one line.
type parsedLine struct {
	code    string
	message string
	file    string
}

func parseLine(line, tool string) (parsedLine, bool) {
	switch tool {
	case "ruff":
		if m := ruffLineRe.FindStringSubmatch(line); m != nil {
			return parsedLine{code: m[4], message: m[5], file: m[1]}, true
		}
	case "pyright":
		if m := pyrightLineRe.FindStringSubmatch(line); m != nil {
			return parsedLine{code: m[2], message: m[1]}, true
		}
	case "bandit":
		if m := banditLineRe.FindStringSubmatch(line); m != nil {
			return parsedLine{code: m[2], message: m[1]}, true
		}
	}
	return parsedLine{}, false
}

// AnalyzeOutput splits raw tool output on blank lines and extracts one
// pattern per line the tool's parser recognises. Unmatched lines are
// ignored, so output analysed under several tools only caches patterns for
// the tool that actually produced it.
func (c *Cache) AnalyzeOutput(raw, tool string) []Pattern {
	var found []Pattern
	for _, block := range strings.Split(raw, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parsed, matched := parseLine(line, tool)
			if !matched {
				continue
			}
			p := Pattern{
				PatternID:      patternID(tool, parsed.code, parsed.message),
				ErrorType:      tool,
				ErrorCode:      parsed.code,
				MessagePattern: parsed.message,
				FilePattern:    parsed.file,
				AutoFixable:    tool == "ruff",
			}
			c.AddPattern(p)
			found = append(found, p)
		}
	}
	return found
}

func patternID(tool, code, message string) string {
	h := fnv.New32a()
	h.Write([]byte(message))
	return fmt.Sprintf("%s_%s_%d", tool, code, h.Sum32()%10000)
}
