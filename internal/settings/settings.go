// Package settings holds the dashboard's security and integration settings:
// session timeout, IP allowlist, endpoint URLs and audit retention.
//
// Updates arrive as loosely typed JSON from the settings form, are checked
// field by field with the validate package, and are swapped into a Store
// atomically so readers never see a half-applied update.
package settings

import (
	"net/netip"
	"slices"
	"time"

	"github.com/keithlinneman/paf-admin/internal/validate"
)

// Two-factor modes.
const (
	TwoFactorRequired  = "required"
	TwoFactorOptional  = "optional"
	TwoFactorAdminOnly = "admin_only"
)

var (
	twoFactorModes = []string{TwoFactorRequired, TwoFactorOptional, TwoFactorAdminOnly}
	retentionDays  = []int{90, 180, 365, 730}
	bedrockRegions = []string{"us-east-1", "us-west-2", "eu-west-1"}
)

// Settings is the persisted configuration.
type Settings struct {
	SessionTimeoutMinutes int       `json:"sessionTimeoutMinutes"`
	TwoFactor             string    `json:"twoFactor"`
	IPAllowlist           []string  `json:"ipAllowlist"`
	AuditRetentionDays    int       `json:"auditRetentionDays"`
	AMSEndpoint           string    `json:"amsEndpoint"`
	BedrockEndpoint       string    `json:"bedrockEndpoint"`
	BedrockRegion         string    `json:"bedrockRegion"`
	BedrockModelID        string    `json:"bedrockModelId"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Default returns the settings a fresh deployment starts with.
func Default() Settings {
	return Settings{
		SessionTimeoutMinutes: 30,
		TwoFactor:             TwoFactorRequired,
		IPAllowlist:           []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		AuditRetentionDays:    365,
		AMSEndpoint:           "https://ams-api.usps.com/v1",
		BedrockEndpoint:       "/api/bedrock",
		BedrockRegion:         "us-east-1",
		BedrockModelID:        "anthropic.claude-sonnet-4-5-20250929",
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.IPAllowlist = slices.Clone(s.IPAllowlist)
	return s
}

// Prefixes parses the allowlist. Settings that passed Validate never fail here.
func (s Settings) Prefixes() ([]netip.Prefix, error) {
	return validate.ParseCIDRs(s.IPAllowlist)
}
