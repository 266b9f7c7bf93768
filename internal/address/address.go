package address

import (
	"strings"
	"unicode"

	"github.com/keithlinneman/paf-admin/internal/validate"
)

// Issue strings reported in Result.Issues.
const (
	IssueNotPlausible  = "not a plausible address"
	IssueModified      = "input was altered by sanitization"
	IssueMissingStreet = "missing street line"
	IssueMissingCity   = "missing city"
	IssueMissingState  = "missing state"
	IssueMissingZIP    = "missing ZIP code"
	IssueBadState      = "state is not a two-letter code"
	IssueBadZIP        = "ZIP code is not 5 digits"
	IssueBadZIPPlus4   = "ZIP+4 is not in 12345-6789 form"
)

// Components are the uppercased parts of a "street, city, STATE ZIP" line.
type Components struct {
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZIP5         string `json:"zip5"`
	// ZIPPlus4 is set only when the input carried one, it is never synthesized
	ZIPPlus4 string `json:"zipPlus4"`
}

// Result is the outcome of checking one address.
type Result struct {
	Input     string     `json:"input"`
	Sanitized string     `json:"sanitized"`
	Plausible bool       `json:"plausible"`
	Complete  bool       `json:"complete"`
	Standard  Components `json:"standardized"`
	Issues    []string   `json:"issues"`
}

// Check sanitizes raw and splits it into components. Non-string input yields
// an empty, implausible result.
func Check(raw any) Result {
	s, _ := raw.(string)
	res := Result{
		Input:     s,
		Sanitized: validate.Sanitize(raw),
		Issues:    []string{},
	}
	res.Plausible = validate.IsPlausibleAddress(res.Sanitized)
	if !res.Plausible {
		res.Issues = append(res.Issues, IssueNotPlausible)
	}
	if res.Sanitized != strings.TrimSpace(s) {
		res.Issues = append(res.Issues, IssueModified)
	}

	res.Standard = parse(res.Sanitized)
	res.Issues = append(res.Issues, componentIssues(res.Standard)...)

	c := res.Standard
	res.Complete = res.Plausible && c.AddressLine1 != "" && c.City != "" && c.State != "" && c.ZIP5 != ""
	return res
}

// parse splits on commas: street, city, then "STATE ZIP". Extra segments are ignored.
func parse(s string) Components {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	seg := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	var c Components
	c.AddressLine1 = strings.ToUpper(seg(0))
	c.City = strings.ToUpper(seg(1))

	fields := strings.Fields(seg(2))
	if len(fields) > 0 {
		c.State = strings.ToUpper(fields[0])
	}
	if len(fields) > 1 {
		zip := fields[1]
		c.ZIP5 = firstRunes(zip, 5)
		if strings.Contains(zip, "-") {
			c.ZIPPlus4 = zip
		}
	}
	return c
}

func componentIssues(c Components) []string {
	var out []string
	if c.AddressLine1 == "" {
		out = append(out, IssueMissingStreet)
	}
	if c.City == "" {
		out = append(out, IssueMissingCity)
	}
	switch {
	case c.State == "":
		out = append(out, IssueMissingState)
	case len(c.State) != 2 || !allLetters(c.State):
		out = append(out, IssueBadState)
	}
	switch {
	case c.ZIP5 == "":
		out = append(out, IssueMissingZIP)
	case len(c.ZIP5) != 5 || !allDigits(c.ZIP5):
		out = append(out, IssueBadZIP)
	}
	if c.ZIPPlus4 != "" && !isZIPPlus4(c.ZIPPlus4) {
		out = append(out, IssueBadZIPPlus4)
	}
	return out
}

func isZIPPlus4(s string) bool {
	return len(s) == 10 && s[5] == '-' && allDigits(s[:5]) && allDigits(s[6:])
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func allLetters(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
