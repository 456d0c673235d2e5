package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"burrowed-assistant/internal/domain"
)

// fenceMarker matches a ``` or ```json fence at the start of a line, or a
// closing ``` at the end of one.
var fenceMarker = regexp.MustCompile("(?m)^```(?:json)?|```$")

// CleanOutput strips code fences and, on any line containing '|', keeps only
// the text after the last '|'.
func CleanOutput(raw string) string {
	cleaned := fenceMarker.ReplaceAllString(strings.TrimSpace(raw), "")
	lines := strings.Split(cleaned, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(line, "|"); idx >= 0 {
			lines[i] = strings.TrimSpace(line[idx+1:])
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParseClassifier extracts relevant_urls and keeps only those known reports
// true for, in order and without duplicates. It never fails: anything
// unusable yields an empty list.
func ParseClassifier(text string, known func(url string) bool) []string {
	urls := []string{}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &top); err != nil {
		return urls
	}
	raw, ok := top["relevant_urls"]
	if !ok {
		return urls
	}
	var listed []any
	if err := json.Unmarshal(raw, &listed); err != nil {
		return urls
	}

	seen := make(map[string]struct{}, len(listed))
	for _, v := range listed {
		u, ok := v.(string)
		if !ok || !known(u) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

// AnswerPayload is the answer model's JSON contract.
type AnswerPayload struct {
	Answer          string                  `json:"answer"`
	SupportingPaths []domain.SupportingPath `json:"supporting_paths"`
}

// AnswerResult is either a decoded payload or, when Err is set, the raw text
// that failed to decode.
type AnswerResult struct {
	Payload AnswerPayload
	Raw     string
	Err     error
}

func (r AnswerResult) Malformed() bool {
	return r.Err != nil
}

// ParseAnswer decodes the answer model's output.
func ParseAnswer(text string) AnswerResult {
	malformed := func(err error) AnswerResult {
		return AnswerResult{Raw: text, Err: err}
	}

	var out AnswerPayload
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(text)))
	if err := dec.Decode(&out); err != nil {
		return malformed(fmt.Errorf("usecase: decode answer: %w", err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return malformed(errors.New("usecase: decode answer: multiple JSON values"))
		}
		return malformed(fmt.Errorf("usecase: decode answer trailing data: %w", err))
	}
	if strings.TrimSpace(out.Answer) == "" {
		return malformed(errors.New("usecase: answer is empty"))
	}

	if out.SupportingPaths == nil {
		out.SupportingPaths = []domain.SupportingPath{}
	}
	for i := range out.SupportingPaths {
		if out.SupportingPaths[i].SectionIDs == nil {
			out.SupportingPaths[i].SectionIDs = []string{}
		}
	}
	return AnswerResult{Payload: out, Raw: text}
}
