package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "console", cfg.Logging.Output)
	assert.Equal(t, ".", cfg.Output.Dir)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SVYCAL_LOGGING_LEVEL", "debug")
	t.Setenv("SVYCAL_LOGGING_FORMAT", "text")
	t.Setenv("SVYCAL_WORKERS", "8")
	t.Setenv("SVYCAL_OUTPUT_DIR", "/tmp/results")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "/tmp/results", cfg.Output.Dir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"both output", func(c *Config) { c.Logging.Output = "both" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Logging: LoggingConfig{Level: "info", Format: "json", Output: "console"},
				Workers: 2,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLoggerConsole(t *testing.T) {
	logger, closer, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Nil(t, closer, "console logging opens no file")
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "debug", Format: "text", Output: "file", FilePath: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info("calibration run started", "run_id", "test")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "calibration run started")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("unknown"))
}
