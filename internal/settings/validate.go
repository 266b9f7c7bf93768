package settings

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/keithlinneman/paf-admin/internal/validate"
)

// FieldError describes one invalid settings field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FieldErrors flattens a joined validation error into its field errors.
// Errors that are not field errors are skipped.
func FieldErrors(err error) []FieldError {
	if err == nil {
		return nil
	}
	var out []FieldError
	var walk func(error)
	walk = func(e error) {
		if fe, ok := e.(*FieldError); ok {
			out = append(out, *fe)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.:_\-]{0,127}$`)

// Validate checks every field and returns all problems joined, or nil.
func Validate(s Settings) error {
	var errs []error

	if !validate.IsValidSessionTimeout(s.SessionTimeoutMinutes) {
		errs = append(errs, fieldErr("sessionTimeoutMinutes",
			"must be a whole number between %d and %d (got %d)",
			validate.MinSessionTimeout, validate.MaxSessionTimeout, s.SessionTimeoutMinutes))
	}
	if !slices.Contains(twoFactorModes, s.TwoFactor) {
		errs = append(errs, fieldErr("twoFactor", "must be one of %s (got %q)", strings.Join(twoFactorModes, ", "), s.TwoFactor))
	}
	for i, entry := range s.IPAllowlist {
		if !validate.IsValidCIDR(entry) {
			errs = append(errs, fieldErr(fmt.Sprintf("ipAllowlist[%d]", i), "invalid CIDR block %q", entry))
		}
	}
	if !slices.Contains(retentionDays, s.AuditRetentionDays) {
		errs = append(errs, fieldErr("auditRetentionDays", "must be one of 90, 180, 365, 730 (got %d)", s.AuditRetentionDays))
	}
	if !validate.IsValidEndpointURL(s.AMSEndpoint) {
		errs = append(errs, fieldErr("amsEndpoint", "must be an http(s) URL or a /path (got %q)", s.AMSEndpoint))
	}
	if !validate.IsValidEndpointURL(s.BedrockEndpoint) {
		errs = append(errs, fieldErr("bedrockEndpoint", "must be an http(s) URL or a /path (got %q)", s.BedrockEndpoint))
	}
	if !slices.Contains(bedrockRegions, s.BedrockRegion) {
		errs = append(errs, fieldErr("bedrockRegion", "must be one of %s (got %q)", strings.Join(bedrockRegions, ", "), s.BedrockRegion))
	}
	if !modelIDPattern.MatchString(s.BedrockModelID) {
		errs = append(errs, fieldErr("bedrockModelId", "invalid model id %q", s.BedrockModelID))
	}

	return errors.Join(errs...)
}
