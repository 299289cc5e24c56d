package action

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// maxCandidateSpans bounds how many opening braces the fallback scan starts
// from, keeping extraction linear in the reply length.
const maxCandidateSpans = 32

// Extract returns the first schema-valid action embedded in reply, or nil.
//
// The widest span from the first '{' to the last '}' is tried first since
// models usually emit a single object, possibly surrounded by prose. When
// that span is not a valid action the balanced object spans starting at the
// first maxCandidateSpans opening braces are tried in order. Malformed or
// invalid spans are skipped, never reported.
func Extract(reply string) Action {
	first := strings.IndexByte(reply, '{')
	last := strings.LastIndexByte(reply, '}')
	if first < 0 || last <= first {
		return nil
	}

	if a, ok := parseCreateTask(reply[first : last+1]); ok {
		return a
	}

	tried := 0
	for i := first; i < last && tried < maxCandidateSpans; i++ {
		if reply[i] != '{' {
			continue
		}
		tried++
		end := matchBrace(reply, i)
		if end < 0 {
			continue
		}
		if a, ok := parseCreateTask(reply[i : end+1]); ok {
			return a
		}
	}
	return nil
}

// matchBrace returns the index of the '}' closing the '{' at start, ignoring
// braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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

func parseCreateTask(span string) (CreateTask, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(span)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return CreateTask{}, false
	}
	if dec.More() {
		return CreateTask{}, false
	}

	title, ok := requiredString(obj, "title")
	if !ok {
		return CreateTask{}, false
	}
	description, ok := requiredString(obj, "description")
	if !ok {
		return CreateTask{}, false
	}

	out := CreateTask{
		Title:       title,
		Description: description,
		Priority:    PriorityMedium,
		Status:      StatusTodo,
		Tags:        []string{},
	}

	if v, present := obj["projectId"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return CreateTask{}, false
		}
		out.ProjectID = strings.TrimSpace(s)
	}

	if v, present := obj["priority"]; present && v != nil {
		p, ok := ParsePriority(v)
		if !ok {
			return CreateTask{}, false
		}
		out.Priority = p
	}

	if v, present := obj["status"]; present && v != nil {
		st, ok := ParseStatus(v)
		if !ok {
			return CreateTask{}, false
		}
		out.Status = st
	}

	if v, present := obj["dueDate"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return CreateTask{}, false
		}
		d, ok := parseDate(s)
		if !ok {
			return CreateTask{}, false
		}
		out.DueDate = &d
	}

	if v, present := obj["estimatedHours"]; present && v != nil {
		n, ok := v.(json.Number)
		if !ok {
			return CreateTask{}, false
		}
		h, err := n.Float64()
		if err != nil || h < 0 {
			return CreateTask{}, false
		}
		out.EstimatedHours = &h
	}

	if v, present := obj["tags"]; present && v != nil {
		list, ok := v.([]any)
		if !ok {
			return CreateTask{}, false
		}
		for _, item := range list {
			tag, ok := item.(string)
			if !ok {
				return CreateTask{}, false
			}
			if tag = strings.TrimSpace(tag); tag != "" {
				out.Tags = append(out.Tags, tag)
			}
		}
	}

	return out, true
}

func requiredString(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func ParsePriority(v any) (Priority, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, true
	}
	return "", false
}

func ParseStatus(v any) (Status, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	st := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	switch st {
	case StatusTodo, StatusInProgress, StatusReview:
		return st, true
	}
	return "", false
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d, true
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d.UTC(), true
	}
	return time.Time{}, false
}
