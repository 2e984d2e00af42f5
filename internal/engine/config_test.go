package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SELAH_AUTH_JWT_SECRET", "secret")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("SELAH_ADMIN_KEY", "admin")
	t.Setenv("SELAH_DATA_DIR", t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.SessionCap)
	assert.Equal(t, int64(200), cfg.DailyQuota)
	assert.Equal(t, 5, cfg.AbuseThreshold)
	assert.Equal(t, 24*time.Hour, cfg.AbuseWindow)
	assert.False(t, cfg.PublicMetrics)
}

func TestLoadConfigReportsAllMissingVars(t *testing.T) {
	keys := []string{"SELAH_AUTH_JWT_SECRET", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "SELAH_ADMIN_KEY"}
	for _, key := range keys {
		t.Setenv(key, "")
	}

	_, err := LoadConfig()
	require.Error(t, err)
	for _, key := range keys {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"SELAH_PORT", "99999"},
		{"SELAH_SESSION_CAP", "0"},
		{"SELAH_DAILY_QUOTA", "-1"},
		{"SELAH_ABUSE_THRESHOLD", "0"},
		{"SELAH_SIGNOUT_POLICY", "sometimes"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfig()
			assert.Error(t, err, "LoadConfig accepted %s=%s", tc.key, tc.value)
		})
	}
}
