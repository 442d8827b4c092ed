package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetEnv blanks every variable the assertions below depend on, so values
// from the host environment cannot leak into the loaded defaults.
func resetEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "APP_DEBUG", "APP_TIMEZONE", "APP_LANGUAGE",
		"LOG_LEVEL", "LOG_FORMAT",
		"SCHULSYNC_ACCOUNTS", "SCHULMANAGER_LOGIN", "SCHULMANAGER_PASSWORD",
		"DB_HOST", "REDIS_ENABLED", "HTTP_PORT",
		"SCHEDULER_ENABLED", "SCHEDULER_REFRESH_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_SingleAccountDefaults(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")
	t.Setenv("SCHULMANAGER_PASSWORD", "geheim")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "schulsync", cfg.App.Name)
	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.True(t, cfg.App.Debug, "development implies debug")
	assert.Equal(t, "Europe/Berlin", cfg.App.Timezone)
	require.NotNil(t, cfg.App.Location)
	assert.Equal(t, "de", cfg.App.Language)

	require.Len(t, cfg.Accounts, 1)
	acc := cfg.Accounts[0]
	assert.Equal(t, "eltern@example.org", acc.Login)
	assert.Equal(t, "geheim", acc.Password)
	assert.Empty(t, acc.ID, "id derivation happens at registration")
	assert.True(t, acc.FetchSchedule)
	assert.True(t, acc.FetchGrades)
	assert.Equal(t, 2, acc.WeeksAhead)
	assert.Equal(t, 5, acc.CooldownMinutes)
	assert.True(t, acc.HighlightChanges)
	assert.False(t, acc.HideCancelled)

	assert.False(t, cfg.Database.Enabled(), "no DB_HOST means memory-only")
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, time.Hour, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, "text", cfg.Observability.LogFormat, "development defaults to text logs")

	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_IndexedAccounts(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULSYNC_ACCOUNTS", "2")
	t.Setenv("SCHULSYNC_ACCOUNT_1_LOGIN", "mueller@example.org")
	t.Setenv("SCHULSYNC_ACCOUNT_1_PASSWORD", "pw-1")
	t.Setenv("SCHULSYNC_ACCOUNT_1_ID", "fam-mueller")
	t.Setenv("SCHULSYNC_ACCOUNT_1_WEEKS_AHEAD", "3")
	t.Setenv("SCHULSYNC_ACCOUNT_1_FETCH_GRADES", "false")
	t.Setenv("SCHULSYNC_ACCOUNT_1_HIDE_CANCELLED", "true")
	t.Setenv("SCHULSYNC_ACCOUNT_2_LOGIN", "schmidt@example.org")
	t.Setenv("SCHULSYNC_ACCOUNT_2_PASSWORD", "pw-2")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	first := cfg.Accounts[0]
	assert.Equal(t, "fam-mueller", first.ID)
	assert.Equal(t, 3, first.WeeksAhead)
	assert.False(t, first.FetchGrades)
	assert.True(t, first.HideCancelled)

	second := cfg.Accounts[1]
	assert.Equal(t, "schmidt@example.org", second.Login)
	assert.Equal(t, 2, second.WeeksAhead, "untouched accounts keep defaults")
	assert.True(t, second.FetchGrades)
}

func TestLoad_MissingIndexedLogin(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULSYNC_ACCOUNTS", "2")
	t.Setenv("SCHULSYNC_ACCOUNT_1_LOGIN", "mueller@example.org")
	t.Setenv("SCHULSYNC_ACCOUNT_1_PASSWORD", "pw-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHULSYNC_ACCOUNT_2_LOGIN")
}

func TestLoad_KeyringFallback(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")

	orig := keyringGet
	defer func() { keyringGet = orig }()

	var gotService, gotUser string
	keyringGet = func(service, user string) (string, error) {
		gotService, gotUser = service, user
		return "aus-dem-schluesselbund", nil
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "aus-dem-schluesselbund", cfg.Accounts[0].Password)
	assert.Equal(t, KeyringService, gotService)
	assert.Equal(t, "eltern@example.org", gotUser)
}

func TestLoad_KeyringMissFails(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")

	orig := keyringGet
	defer func() { keyringGet = orig }()
	keyringGet = func(service, user string) (string, error) {
		return "", errors.New("secret not found in keyring")
	}

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no password for \"eltern@example.org\"")
}

func TestLoad_EnvPasswordSkipsKeyring(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")
	t.Setenv("SCHULMANAGER_PASSWORD", "aus-der-umgebung")

	orig := keyringGet
	defer func() { keyringGet = orig }()
	keyringGet = func(service, user string) (string, error) {
		t.Fatal("keyring must not be consulted when the env var is set")
		return "", nil
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "aus-der-umgebung", cfg.Accounts[0].Password)
}

func TestLoad_NoAccounts(t *testing.T) {
	resetEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts configured")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")
	t.Setenv("SCHULMANAGER_PASSWORD", "geheim")
	t.Setenv("SCHULMANAGER_WEEKS_AHEAD", "9")
	t.Setenv("SCHULMANAGER_COOLDOWN_MINUTES", "2")
	t.Setenv("APP_LANGUAGE", "fr")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEEKS_AHEAD must be 1-3")
	assert.Contains(t, err.Error(), "COOLDOWN_MINUTES must be 5-30")
	assert.Contains(t, err.Error(), "APP_LANGUAGE must be de or en")
}

func TestValidate_AllCategoriesDisabled(t *testing.T) {
	resetEnv(t)
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")
	t.Setenv("SCHULMANAGER_PASSWORD", "geheim")
	t.Setenv("SCHULMANAGER_FETCH_SCHEDULE", "false")
	t.Setenv("SCHULMANAGER_FETCH_EXAMS", "false")
	t.Setenv("SCHULMANAGER_FETCH_HOMEWORK", "false")
	t.Setenv("SCHULMANAGER_FETCH_GRADES", "false")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all categories disabled")
}

func TestLoad_ProductionLogFormat(t *testing.T) {
	resetEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("SCHULMANAGER_LOGIN", "eltern@example.org")
	t.Setenv("SCHULMANAGER_PASSWORD", "geheim")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.False(t, cfg.App.Debug)
	assert.True(t, cfg.IsProduction())
}

func TestEnvHelpers_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("HELPER_BOOL", "vielleicht")
	t.Setenv("HELPER_INT", "drei")
	t.Setenv("HELPER_FLOAT", "schnell")
	t.Setenv("HELPER_DURATION", "bald")
	t.Setenv("HELPER_SLICE", " a , ,b ")
	t.Setenv("HELPER_IDS", "382, x ,407")

	assert.True(t, getEnvBool("HELPER_BOOL", true))
	assert.Equal(t, 7, getEnvInt("HELPER_INT", 7))
	assert.Equal(t, 1.5, getEnvFloat("HELPER_FLOAT", 1.5))
	assert.Equal(t, time.Minute, getEnvDuration("HELPER_DURATION", time.Minute))
	assert.Equal(t, []string{"a", "b"}, getEnvStringSlice("HELPER_SLICE", nil))
	assert.Equal(t, []int64{382, 407}, getEnvInt64Slice("HELPER_IDS", nil))
}
