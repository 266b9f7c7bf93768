package settings

import (
	"errors"
	"math"
	"strings"

	"github.com/keithlinneman/paf-admin/internal/validate"
)

// Update is a partial change as submitted by the settings form. Nil fields
// keep their current value. Numbers may arrive as JSON numbers or strings and
// the allowlist as a list or as one-CIDR-per-line text, so those fields stay
// untyped until Apply.
type Update struct {
	SessionTimeoutMinutes any     `json:"sessionTimeoutMinutes,omitempty"`
	TwoFactor             *string `json:"twoFactor,omitempty"`
	IPAllowlist           any     `json:"ipAllowlist,omitempty"`
	AuditRetentionDays    any     `json:"auditRetentionDays,omitempty"`
	AMSEndpoint           *string `json:"amsEndpoint,omitempty"`
	BedrockEndpoint       *string `json:"bedrockEndpoint,omitempty"`
	BedrockRegion         *string `json:"bedrockRegion,omitempty"`
	BedrockModelID        *string `json:"bedrockModelId,omitempty"`
}

// Apply merges u over cur and validates the result. On error the returned
// Settings must not be used, the error joins one FieldError per problem.
func (u Update) Apply(cur Settings) (Settings, error) {
	next := cur.Clone()
	var errs []error

	if u.SessionTimeoutMinutes != nil {
		if !validate.IsValidSessionTimeout(u.SessionTimeoutMinutes) {
			errs = append(errs, fieldErr("sessionTimeoutMinutes",
				"must be a whole number between %d and %d", validate.MinSessionTimeout, validate.MaxSessionTimeout))
		} else {
			next.SessionTimeoutMinutes = int(validate.ToNumber(u.SessionTimeoutMinutes))
		}
	}
	if u.AuditRetentionDays != nil {
		n := validate.ToNumber(u.AuditRetentionDays)
		if math.IsNaN(n) || math.Trunc(n) != n || n < 0 || n > math.MaxInt32 {
			errs = append(errs, fieldErr("auditRetentionDays", "must be a whole number of days"))
		} else {
			next.AuditRetentionDays = int(n)
		}
	}
	if u.IPAllowlist != nil {
		list, err := allowlistEntries(u.IPAllowlist)
		if err != nil {
			errs = append(errs, err)
		} else {
			next.IPAllowlist = list
		}
	}
	setString(&next.TwoFactor, u.TwoFactor)
	setString(&next.AMSEndpoint, u.AMSEndpoint)
	setString(&next.BedrockEndpoint, u.BedrockEndpoint)
	setString(&next.BedrockRegion, u.BedrockRegion)
	setString(&next.BedrockModelID, u.BedrockModelID)

	// fields rejected above kept their current value, so Validate does not report them twice
	if err := Validate(next); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return next, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// allowlistEntries accepts ["a", "b"] or "a\nb". Blank entries are dropped
// and the rest trimmed.
func allowlistEntries(v any) ([]string, error) {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = strings.Split(x, "\n")
	case []string:
		raw = x
	case []any:
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fieldErr("ipAllowlist", "entry %d is not a string", i)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fieldErr("ipAllowlist", "must be a list of CIDR blocks or newline separated text")
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
