package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	grantOwner, grantServices, grantStatus, grantFor = "", "", "active", 0
	checkOwner, checkEmail, checkHistory = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func useTempDataDir(t *testing.T) {
	t.Helper()
	t.Setenv("BIZDESK_DATA_DIR", t.TempDir())
	t.Setenv("BIZDESK_DB_DRIVER", "sqlite")
	t.Setenv("BIZDESK_DB_DSN", "")
	t.Setenv("BIZDESK_EMAIL_FALLBACK", "")
	t.Setenv("BIZDESK_STRICT_BUNDLE", "")
}

var recordIDPattern = regexp.MustCompile(`Recorded subscription (\S+) for`)

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "bizdesk "+Version+"\n"), "unexpected output %q", out)
}

func TestMigrateCommand(t *testing.T) {
	useTempDataDir(t)

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Subscription schema is up to date (sqlite)")
}

func TestGrantThenEntitlements(t *testing.T) {
	useTempDataDir(t)

	out, err := runCLI(t, "grant", "--owner", "user-1", "--services", "2, 1")
	require.NoError(t, err)
	assert.Contains(t, out, "for user-1 (active, services 1,2)")

	out, err = runCLI(t, "entitlements", "--owner", "user-1")
	require.NoError(t, err)

	assert.Contains(t, out, "Active: yes")
	assert.Contains(t, out, "Status: active")
	assert.Regexp(t, `(?m)^1\s+CRM\s+unlocked\s+/app/crm$`, out)
	assert.Regexp(t, `(?m)^2\s+HRM\s+unlocked\s+/app/hrm$`, out)
	assert.Regexp(t, `(?m)^5\s+Accounting\s+locked\s+/preview/accounting$`, out)
	assert.Regexp(t, `(?m)^6\s+Dashboard\s+locked\s+/preview/dashboard$`, out)
}

func TestEntitlementsForUnknownOwnerAreLocked(t *testing.T) {
	useTempDataDir(t)

	out, err := runCLI(t, "entitlements", "--owner", "nobody", "--history")
	require.NoError(t, err)

	assert.Contains(t, out, "Active: no")
	assert.NotContains(t, out, "unlocked")
	assert.Contains(t, out, "No subscription records")
}

func TestSetStatusCancelsAccess(t *testing.T) {
	useTempDataDir(t)

	out, err := runCLI(t, "grant", "--owner", "user-2", "--services", "1,2,3,4,5,6")
	require.NoError(t, err)
	m := recordIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, "no record id in %q", out)

	out, err = runCLI(t, "grant", "set-status", m[1], "cancelled")
	require.NoError(t, err)
	assert.Contains(t, out, "is now cancelled")

	out, err = runCLI(t, "entitlements", "--owner", "user-2", "--history")
	require.NoError(t, err)
	assert.Contains(t, out, "Active: no")
	assert.Contains(t, out, "Status: cancelled")
	assert.NotContains(t, out, "unlocked")
	assert.Contains(t, out, m[1])
}

func TestGrantValidation(t *testing.T) {
	useTempDataDir(t)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{
			name: "missing owner",
			args: []string{"grant", "--services", "1"},
			want: engerrors.ErrInvalidInput,
		},
		{
			name: "malformed services",
			args: []string{"grant", "--owner", "u", "--services", "1,crm"},
			want: engerrors.ErrMalformedServiceIDList,
		},
		{
			name: "unknown service id",
			args: []string{"grant", "--owner", "u", "--services", "1,9"},
			want: engerrors.ErrInvalidInput,
		},
		{
			name: "unknown status",
			args: []string{"grant", "--owner", "u", "--services", "1", "--status", "paused"},
			want: engerrors.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEntitlementsRequiresOwner(t *testing.T) {
	useTempDataDir(t)

	_, err := runCLI(t, "entitlements")
	assert.ErrorIs(t, err, engerrors.ErrInvalidInput)
}
