package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enrollment.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(LoaderOptions{Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: a file, environment and a flag all setting overlapping keys
	// WHEN: loading
	// THEN: flags beat env, env beats file, file beats defaults
	path := writeFile(t, `
port = 9000

[store]
driver = "memory"
sqlite_path = "from-file.db"

[reconcile]
schedule = "*/10 * * * *"

[log]
level = "debug"
`)
	port := 7000
	cfg, err := Load(LoaderOptions{
		ConfigPath: path,
		Environ: map[string]string{
			"ENROLL_PORT":                 "8000",
			"ENROLL_STORE_DRIVER":         "sqlite",
			"ENROLL_CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
			"ENROLL_NOTIFY_WORKERS":       "8",
		},
		Flags: FlagOverrides{Port: &port},
	})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "from-file.db", cfg.Store.SQLitePath)
	assert.Equal(t, "*/10 * * * *", cfg.Reconcile.Schedule)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency, "untouched keys keep defaults")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 8, cfg.Notify.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		environ map[string]string
		want    string
	}{
		{name: "bad toml", file: "port = [", want: "failed to parse config file"},
		{name: "bad env int", environ: map[string]string{"ENROLL_PORT": "eighty"}, want: "parse env"},
		{name: "unknown driver", environ: map[string]string{"ENROLL_STORE_DRIVER": "mongo"}, want: "unknown store.driver"},
		{name: "postgres without dsn", environ: map[string]string{"ENROLL_STORE_DRIVER": "postgres"}, want: "postgres_dsn"},
		{name: "bad cron", environ: map[string]string{"ENROLL_RECONCILE_SCHEDULE": "every tuesday"}, want: "reconcile.schedule"},
		{name: "bad level", environ: map[string]string{"ENROLL_LOG_LEVEL": "chatty"}, want: "log.level"},
		{name: "bad format", environ: map[string]string{"ENROLL_LOG_FORMAT": "xml"}, want: "log.format"},
		{name: "zero workers", environ: map[string]string{"ENROLL_NOTIFY_WORKERS": "0"}, want: "notify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := LoaderOptions{Environ: tt.environ}
			if opts.Environ == nil {
				opts.Environ = map[string]string{}
			}
			if tt.file != "" {
				opts.ConfigPath = writeFile(t, tt.file)
			}
			_, err := Load(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(LoaderOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.toml"), Environ: map[string]string{}})
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_EmptyScheduleDisablesReconcile(t *testing.T) {
	path := writeFile(t, `
[reconcile]
schedule = ""
`)
	cfg, err := Load(LoaderOptions{ConfigPath: path, Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Empty(t, cfg.Reconcile.Schedule)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "listing_id", "L1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"listing_id":"L1"`)
}
