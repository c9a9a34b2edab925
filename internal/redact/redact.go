// Package redact masks personal data in free text before it is persisted.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Kind names a category of personal data
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
	KindSSN   Kind = "ssn"
	KindCard  Kind = "card"
	KindIP    Kind = "ip_address"
)

// Match is one detected span of personal data
type Match struct {
	Kind  Kind
	Start int
	End   int
}

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	valid   func(string) bool
}

var rules = []rule{
	{kind: KindEmail, pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{kind: KindCard, pattern: regexp.MustCompile(`\b[0-9]{13,19}\b`), valid: luhn},
	{kind: KindSSN, pattern: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), valid: plausibleSSN},
	{kind: KindPhone, pattern: regexp.MustCompile(`(?:\+?1[-. ]?)?(?:\([0-9]{3}\)|\b[0-9]{3})[-. ]?[0-9]{3}[-. ]?[0-9]{4}\b`)},
	{kind: KindIP, pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\b`)},
}

// Find returns non-overlapping matches ordered by position. When two
// spans overlap the one starting first wins, then the longer one.
func Find(text string) []Match {
	var found []Match
	for _, r := range rules {
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			if r.valid != nil && !r.valid(text[loc[0]:loc[1]]) {
				continue
			}
			found = append(found, Match{Kind: r.kind, Start: loc[0], End: loc[1]})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})

	merged := found[:0]
	end := -1
	for _, m := range found {
		if m.Start < end {
			continue
		}
		merged = append(merged, m)
		end = m.End
	}
	return merged
}

// Text replaces every match with a placeholder naming its kind
func Text(text string) string {
	matches := Find(text)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(placeholder(m.Kind))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func placeholder(k Kind) string {
	return "[" + strings.ToUpper(string(k)) + "_REDACTED]"
}

// plausibleSSN rejects area/group/serial numbers that are never issued
func plausibleSSN(s string) bool {
	digits := strings.ReplaceAll(s, "-", "")
	switch {
	case digits[:3] == "000", digits[:3] == "666", digits[0] == '9':
		return false
	case digits[3:5] == "00", digits[5:] == "0000":
		return false
	}
	return true
}

func luhn(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
