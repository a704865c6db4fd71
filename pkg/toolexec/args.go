package toolexec

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseArgs decodes a tool call's raw argument JSON. Strict parsing is tried
// first; when that fails, common model mistakes are repaired (markdown
// fences, prose around the object, trailing commas, double-encoded JSON) and
// parsing is retried. The repaired flag reports which path succeeded.
func ParseArgs(raw string) (args map[string]interface{}, repaired bool, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]interface{}{}, false, nil
	}

	strictErr := json.Unmarshal([]byte(trimmed), &args)
	if strictErr == nil {
		if args == nil {
			args = map[string]interface{}{}
		}
		return args, false, nil
	}

	if fixed, ok := repairJSON(trimmed); ok {
		if json.Unmarshal([]byte(fixed), &args) == nil && args != nil {
			return args, true, nil
		}
	}

	// Double-encoded arguments: a JSON string whose content is the object.
	var inner string
	if json.Unmarshal([]byte(trimmed), &inner) == nil {
		if json.Unmarshal([]byte(inner), &args) == nil && args != nil {
			return args, true, nil
		}
	}

	return nil, false, strictErr
}

// repairJSON applies textual fixes and reports whether anything object-like
// remains to retry.
func repairJSON(s string) (string, bool) {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	// Drop prose before the first brace and after the last one.
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return "", false
	}
	s = s[start : end+1]

	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return s, true
}
