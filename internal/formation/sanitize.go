package formation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindStringList
	kindPositions
)

type fieldRule struct {
	kind   fieldKind
	maxLen int
}

// allowedFields is the only input a formation document may carry.
var allowedFields = map[string]fieldRule{
	"name":                  {kind: kindString, maxLen: 100},
	"formation":             {kind: kindString, maxLen: 20},
	"description":           {kind: kindString, maxLen: 1000},
	"tactical_instructions": {kind: kindString, maxLen: 5000},
	"opponent_analysis":     {kind: kindString, maxLen: 5000},
	"notes":                 {kind: kindString, maxLen: 2000},
	"classification":        {kind: kindString, maxLen: 16},
	"tags":                  {kind: kindStringList, maxLen: 50},
	"positions":             {kind: kindPositions},
}

var positionFields = map[string]fieldRule{
	"role":          {kind: kindString, maxLen: 32},
	"x":             {kind: kindNumber},
	"y":             {kind: kindNumber},
	"player_name":   {kind: kindString, maxLen: 100},
	"player_number": {kind: kindNumber},
}

const (
	maxTags      = 20
	maxPositions = 30
)

var markupPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitize copies the allow-listed fields of doc, stripping markup and
// control characters and capping string lengths. Fields outside the allow
// list are dropped. The second return lists what was changed.
func Sanitize(doc map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(doc))
	var notes []string

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rule, ok := allowedFields[k]
		if !ok {
			notes = append(notes, fmt.Sprintf("field %q is not allowed and was removed", k))
			continue
		}
		v, changed := sanitizeValue(doc[k], rule)
		if changed {
			notes = append(notes, fmt.Sprintf("field %q was sanitized", k))
		}
		out[k] = v
	}
	return out, notes
}

func sanitizeValue(v any, rule fieldRule) (any, bool) {
	switch rule.kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return v, false
		}
		clean := cleanString(s, rule.maxLen)
		return clean, clean != s

	case kindStringList:
		list, ok := v.([]any)
		if !ok {
			return v, false
		}
		changed := len(list) > maxTags
		if len(list) > maxTags {
			list = list[:maxTags]
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				changed = true
				continue
			}
			clean := cleanString(s, rule.maxLen)
			changed = changed || clean != s
			out = append(out, clean)
		}
		return out, changed

	case kindPositions:
		list, ok := v.([]any)
		if !ok {
			return v, false
		}
		changed := len(list) > maxPositions
		if len(list) > maxPositions {
			list = list[:maxPositions]
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			pos, ok := item.(map[string]any)
			if !ok {
				changed = true
				continue
			}
			clean := make(map[string]any, len(pos))
			for k, pv := range pos {
				pr, ok := positionFields[k]
				if !ok {
					changed = true
					continue
				}
				cv, c := sanitizeValue(pv, pr)
				changed = changed || c
				clean[k] = cv
			}
			out = append(out, clean)
		}
		return out, changed
	}
	return v, false
}

func cleanString(s string, maxLen int) string {
	s = markupPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}
