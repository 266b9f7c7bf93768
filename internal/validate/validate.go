package validate

import (
	"encoding/json"
	"math"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// MaxBatchSize is the most addresses accepted in one batch request.
const MaxBatchSize = 100

// Session timeout bounds in minutes (one day max).
const (
	MinSessionTimeout = 5
	MaxSessionTimeout = 1440
)

const minAddressLength = 5

var (
	cidrShape    = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}/\d{1,2}$`)
	relativePath = regexp.MustCompile(`^/[\w\-./]*$`)
	decimalLit   = regexp.MustCompile(`^[+-]?(\d+\.?\d*([eE][+-]?\d+)?|\.\d+([eE][+-]?\d+)?)$`)
)

// IsPlausibleAddress reports whether input looks like a street, city, state line:
// a string of 5..500 UTF-16 code units after trimming containing at least one
// comma. Characters outside the BMP count twice, as they do in the dashboard.
func IsPlausibleAddress(input any) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	s = trimSpace(s)
	n := utf16Len(s)
	if n < minAddressLength || n > MaxInputLength {
		return false
	}
	return strings.Contains(s, ",")
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// IsValidCIDR reports whether input is a syntactically valid IPv4 CIDR block.
// It does not judge whether the block is sensible, 0.0.0.0/0 is valid.
func IsValidCIDR(input any) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	_, ok = parseCIDR(trimSpace(s))
	return ok
}

func parseCIDR(s string) (netip.Prefix, bool) {
	if !cidrShape.MatchString(s) {
		return netip.Prefix{}, false
	}
	ip, bitsStr, _ := strings.Cut(s, "/")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 || bits > 32 {
		return netip.Prefix{}, false
	}
	var octets [4]byte
	for i, part := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return netip.Prefix{}, false
		}
		octets[i] = byte(n)
	}
	return netip.PrefixFrom(netip.AddrFrom4(octets), bits).Masked(), true
}

// ParseCIDRList parses a newline separated allowlist, one CIDR block per line.
// Blank lines are skipped. Every invalid line is reported in the returned error.
func ParseCIDRList(text string) ([]netip.Prefix, error) {
	return ParseCIDRs(strings.Split(text, "\n"))
}

// ParseCIDRs parses each entry with the same rules as IsValidCIDR.
func ParseCIDRs(entries []string) ([]netip.Prefix, error) {
	var (
		out []netip.Prefix
		bad []string
	)
	for _, e := range entries {
		e = trimSpace(e)
		if e == "" {
			continue
		}
		p, ok := parseCIDR(e)
		if !ok {
			bad = append(bad, strconv.Quote(e))
			continue
		}
		out = append(out, p)
	}
	if len(bad) > 0 {
		return nil, xerrors.Newf("invalid CIDR block(s): %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// IsValidSessionTimeout reports whether value, converted to a number the way
// a form field would be, is a whole number of minutes within 5..1440.
func IsValidSessionTimeout(value any) bool {
	n := ToNumber(value)
	if math.IsNaN(n) || math.IsInf(n, 0) || math.Trunc(n) != n {
		return false
	}
	return n >= MinSessionTimeout && n <= MaxSessionTimeout
}

// ToNumber mirrors numeric coercion of form values: nil and false are 0,
// true is 1, blank strings are 0 and anything unparseable is NaN.
func ToNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case json.Number:
		return stringToNumber(string(x))
	case string:
		return stringToNumber(x)
	default:
		return math.NaN()
	}
}

func stringToNumber(s string) float64 {
	s = trimSpace(s)
	if s == "" {
		return 0
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			u, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(u)
		}
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if !decimalLit.MatchString(s) {
		return math.NaN()
	}
	// out-of-range literals come back as ±Inf alongside the error, which is what we want
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// IsValidEndpointURL reports whether input is a usable API endpoint: either a
// relative path like /api/bedrock or an absolute http(s) URL with a host.
// javascript: and data: payloads are always rejected.
func IsValidEndpointURL(input any) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	s = trimSpace(s)

	if strings.HasPrefix(s, "/") {
		return relativePath.MatchString(s)
	}

	if hasScriptScheme(s) {
		return false
	}

	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return false
	}
	return u.Host != ""
}

func hasScriptScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "data:")
}
