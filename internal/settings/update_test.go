package settings

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
)

func decodeUpdate(t *testing.T, body string) Update {
	t.Helper()
	var u Update
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return u
}

func TestUpdate_EmptyKeepsCurrent(t *testing.T) {
	cur := Default()
	got, err := Update{}.Apply(cur)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.SessionTimeoutMinutes != cur.SessionTimeoutMinutes || !slices.Equal(got.IPAllowlist, cur.IPAllowlist) {
		t.Fatalf("Apply changed settings: %+v", got)
	}
}

func TestUpdate_FormValues(t *testing.T) {
	u := decodeUpdate(t, `{
		"sessionTimeoutMinutes": "45",
		"twoFactor": " optional ",
		"ipAllowlist": "10.0.0.0/8\n\n 192.168.1.0/24 \n",
		"auditRetentionDays": 730,
		"bedrockEndpoint": "https://bedrock.example.com/v1"
	}`)
	got, err := u.Apply(Default())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.SessionTimeoutMinutes != 45 {
		t.Errorf("SessionTimeoutMinutes = %d, want 45", got.SessionTimeoutMinutes)
	}
	if got.TwoFactor != TwoFactorOptional {
		t.Errorf("TwoFactor = %q", got.TwoFactor)
	}
	if want := []string{"10.0.0.0/8", "192.168.1.0/24"}; !slices.Equal(got.IPAllowlist, want) {
		t.Errorf("IPAllowlist = %v, want %v", got.IPAllowlist, want)
	}
	if got.AuditRetentionDays != 730 {
		t.Errorf("AuditRetentionDays = %d", got.AuditRetentionDays)
	}
	if got.BedrockEndpoint != "https://bedrock.example.com/v1" {
		t.Errorf("BedrockEndpoint = %q", got.BedrockEndpoint)
	}
	if got.AMSEndpoint != Default().AMSEndpoint {
		t.Errorf("AMSEndpoint changed to %q", got.AMSEndpoint)
	}
}

func TestUpdate_AllowlistAsList(t *testing.T) {
	u := decodeUpdate(t, `{"ipAllowlist": ["10.0.0.0/8", " ", "172.16.0.0/12"]}`)
	got, err := u.Apply(Default())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := []string{"10.0.0.0/8", "172.16.0.0/12"}; !slices.Equal(got.IPAllowlist, want) {
		t.Fatalf("IPAllowlist = %v, want %v", got.IPAllowlist, want)
	}
}

func TestUpdate_ReportsAllProblems(t *testing.T) {
	u := decodeUpdate(t, `{
		"sessionTimeoutMinutes": 2,
		"ipAllowlist": ["10.0.0.0/8", "300.0.0.0/8"],
		"auditRetentionDays": 45,
		"amsEndpoint": "javascript:alert(1)"
	}`)
	_, err := u.Apply(Default())
	fes := FieldErrors(err)

	fields := make([]string, 0, len(fes))
	for _, fe := range fes {
		fields = append(fields, fe.Field)
	}
	slices.Sort(fields)
	want := []string{"amsEndpoint", "auditRetentionDays", "ipAllowlist[1]", "sessionTimeoutMinutes"}
	if !slices.Equal(fields, want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
}

func TestUpdate_ShapeErrors(t *testing.T) {
	tests := []struct {
		body  string
		field string
	}{
		{`{"ipAllowlist": 5}`, "ipAllowlist"},
		{`{"ipAllowlist": ["10.0.0.0/8", 7]}`, "ipAllowlist"},
		{`{"auditRetentionDays": "soon"}`, "auditRetentionDays"},
		{`{"auditRetentionDays": 90.5}`, "auditRetentionDays"},
		{`{"sessionTimeoutMinutes": "30m"}`, "sessionTimeoutMinutes"},
	}
	for _, tt := range tests {
		_, err := decodeUpdate(t, tt.body).Apply(Default())
		fes := FieldErrors(err)
		if len(fes) != 1 || fes[0].Field != tt.field {
			t.Errorf("Apply(%s) field errors = %+v, want one for %s", tt.body, fes, tt.field)
		}
	}
}

func TestUpdate_DoesNotMutateCurrent(t *testing.T) {
	cur := Default()
	u := decodeUpdate(t, `{"ipAllowlist": ["8.8.8.8/32"]}`)
	if _, err := u.Apply(cur); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cur.IPAllowlist[0] != "10.0.0.0/8" {
		t.Fatalf("current settings mutated: %v", cur.IPAllowlist)
	}
}
