// Package rules decides whether the output of a finished run should trigger a
// notification.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/kylemclaren/browsercron/internal/db"
)

// ShouldNotify evaluates the enabled rules in order against the run output and
// reports whether any of them triggers. Unknown rule kinds never trigger.
func ShouldNotify(rules []db.NotificationRule, output json.RawMessage) bool {
	if len(rules) == 0 {
		return false
	}

	text := strings.ToLower(serialize(output))
	var decoded any
	decodedOK := false

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		value := strings.ToLower(rule.Value)

		switch rule.Type {
		case db.RuleTextContains, db.RuleOutputContains:
			if strings.Contains(text, value) {
				return true
			}
		case db.RuleTextNotContains:
			if !strings.Contains(text, value) {
				return true
			}
		case db.RuleJMESPath:
			if !decodedOK {
				decoded = decode(output)
				decodedOK = true
			}
			res, err := jmespath.Search(rule.Value, decoded)
			if err == nil && truthy(res) {
				return true
			}
		}
	}
	return false
}

// Validate checks rules before they are stored on a task.
func Validate(rules []db.NotificationRule) error {
	var errs []error
	for i, rule := range rules {
		if strings.TrimSpace(rule.Value) == "" {
			errs = append(errs, fmt.Errorf("rule %d: value is required", i))
			continue
		}
		if rule.Type == db.RuleJMESPath {
			if _, err := jmespath.Compile(rule.Value); err != nil {
				errs = append(errs, fmt.Errorf("rule %d: invalid jmespath expression: %w", i, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", db.ErrNotValid, errors.Join(errs...))
	}
	return nil
}

// serialize renders the output as compact JSON keeping key order. Strings
// are decoded and written back without HTML, "\/" or non-ASCII escapes. A
// missing output serializes to "null".
func serialize(output json.RawMessage) string {
	if len(bytes.TrimSpace(output)) == 0 {
		return "null"
	}
	text, err := reencode(output)
	if err != nil {
		return string(output)
	}
	return text
}

type jsonFrame struct {
	object bool
	n      int
}

func reencode(data []byte) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var stack []jsonFrame
	separate := func() {
		if len(stack) == 0 {
			return
		}
		top := &stack[len(stack)-1]
		switch {
		case top.object && top.n%2 == 1:
			buf.WriteByte(':')
		case top.n > 0:
			buf.WriteByte(',')
		}
		top.n++
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				separate()
				stack = append(stack, jsonFrame{object: t == '{'})
			default:
				stack = stack[:len(stack)-1]
			}
			buf.WriteRune(rune(t))
		default:
			separate()
			if err := enc.Encode(t); err != nil {
				return "", err
			}
			// Encode terminates every value with a newline.
			buf.Truncate(buf.Len() - 1)
		}
	}
	return buf.String(), nil
}

func decode(output json.RawMessage) any {
	var v any
	if err := json.Unmarshal(output, &v); err != nil {
		return nil
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case int:
		return t != 0
	default:
		return true
	}
}
