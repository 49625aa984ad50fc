package config

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// MaskPlaceholder replaces masked values in rendered text.
const MaskPlaceholder = "***"

// minMaskedValueLength keeps short env values such as "1" or "prod" visible.
const minMaskedValueLength = 6

var assignmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=("[^"]*"|'[^']*'|\S*)`)

// MaskCommand replaces the values of the leading NAME=value assignments of a
// shell command. Arguments after the program name are left alone.
func MaskCommand(cmd string) string {
	var b strings.Builder
	rest := cmd
	for {
		trimmed := strings.TrimLeft(rest, " \t")
		b.WriteString(rest[:len(rest)-len(trimmed)])
		m := assignmentPattern.FindStringSubmatchIndex(trimmed)
		if m == nil || (m[1] < len(trimmed) && !isBlank(trimmed[m[1]])) {
			b.WriteString(trimmed)
			return b.String()
		}
		b.WriteString(trimmed[m[2]:m[3]])
		b.WriteString("=" + MaskPlaceholder)
		rest = trimmed[m[1]:]
		if rest == "" {
			return b.String()
		}
	}
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

// Redact masks the values of the job's env entries in text. A nil spec
// returns text unchanged.
func (s *JobSpec) Redact(text string) string {
	if s == nil || text == "" || len(s.Env) == 0 {
		return text
	}
	values := make([]string, 0, len(s.Env))
	for _, v := range s.Env {
		if len(v) >= minMaskedValueLength {
			values = append(values, v)
		}
	}
	// Longest first so a value containing another is masked whole.
	slices.SortFunc(values, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
	for _, v := range values {
		text = strings.ReplaceAll(text, v, MaskPlaceholder)
	}
	return text
}

// DisplayCmd returns cmd with assignment prefixes and env values masked.
func (s *JobSpec) DisplayCmd() string {
	if s == nil {
		return ""
	}
	return s.Redact(MaskCommand(s.Cmd))
}
