// Package parser extracts structured payloads from free-form worker output.
// Workers are asked for JSON but wrap it in prose, markdown fences or tagged
// sections; these helpers recover the payload without trusting the layout.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be found.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON returns the first valid JSON object in text. Fenced code blocks
// are tried before the surrounding prose.
func ExtractJSON(text string) (string, error) {
	for _, block := range fencedBlocks(text) {
		if obj, ok := firstObject(block); ok {
			return obj, nil
		}
	}
	if obj, ok := firstObject(text); ok {
		return obj, nil
	}
	return "", ErrNoJSON
}

// Decode extracts the first JSON object in text and unmarshals it into v.
func Decode(text string, v any) error {
	obj, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(obj), v)
}

// ExtractKeyed returns the last JSON object in text with at least one of keys
// at its top level, so snippets echoed ahead of a report are skipped. Fenced
// code blocks are searched before the surrounding prose.
func ExtractKeyed(text string, keys ...string) (string, error) {
	for _, scope := range [][]string{fencedBlocks(text), {text}} {
		found := ""
		for _, chunk := range scope {
			for _, obj := range Objects(chunk) {
				if hasAnyKey(obj, keys) {
					found = obj
				}
			}
		}
		if found != "" {
			return found, nil
		}
	}
	return "", fmt.Errorf("%w with any of %s", ErrNoJSON, strings.Join(keys, ", "))
}

func hasAnyKey(obj string, keys []string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return false
	}
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// Objects returns every top-level JSON object in text, in order.
func Objects(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end == -1 {
			continue
		}
		if candidate := text[i : end+1]; json.Valid([]byte(candidate)) {
			out = append(out, candidate)
			i = end
		}
	}
	return out
}

func firstObject(text string) (string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end == -1 {
			continue
		}
		if candidate := text[i : end+1]; json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// fencedBlocks returns the bodies of ``` fenced code blocks.
func fencedBlocks(text string) []string {
	if !strings.Contains(text, "```") {
		return nil
	}

	var blocks []string
	var current []string
	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inBlock = !inBlock
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}

// Section is the body of a <tag name="..."> element.
type Section struct {
	Name string
	Body string
}

var sectionPatterns = map[string]*regexp.Regexp{}

func sectionPattern(tag string) *regexp.Regexp {
	if re, ok := sectionPatterns[tag]; ok {
		return re
	}
	t := regexp.QuoteMeta(tag)
	return regexp.MustCompile(`(?s)<` + t + `\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</` + t + `\s*>`)
}

func init() {
	sectionPatterns["perspective"] = sectionPattern("perspective")
}

// Sections returns every <tag name="...">body</tag> element in text, in
// order. Names are trimmed; bodies are returned as written.
func Sections(text, tag string) []Section {
	matches := sectionPattern(tag).FindAllStringSubmatch(text, -1)
	out := make([]Section, 0, len(matches))
	for _, m := range matches {
		out = append(out, Section{Name: strings.TrimSpace(m[1]), Body: m[2]})
	}
	return out
}

// Truncate shortens s to maxLen bytes with a marker, keeping the head.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
