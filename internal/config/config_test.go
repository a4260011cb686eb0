package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabnet-cells/internal/table"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Crawler.MaxLevel)
	assert.Equal(t, 100, cfg.Crawler.BatchSize)
	assert.Equal(t, 3, cfg.Crawler.TimeFilterK)
	assert.True(t, cfg.Crawler.IgnoreRobots)
	assert.Equal(t, "Ficha de qualificação", cfg.Crawler.QualificationText)
	assert.Equal(t, 60*time.Second, cfg.Timeout())
	assert.Equal(t, "ISO-8859-1", cfg.HTTP.Encoding)
	assert.True(t, cfg.Output.WriteIndex)
	assert.Empty(t, cfg.Server.Addr)

	opts := cfg.ParserOptions()
	assert.Equal(t, table.SubtitleOptional, opts.Subtitle)
	assert.Equal(t, table.DefaultMarkers(), opts.Markers)

	// Output.Dir comes from the command line.
	require.Error(t, cfg.Validate())
	cfg.Output.Dir = "out"
	require.NoError(t, cfg.Validate())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  root_url: https://tabnet.example/idb2012/matriz.htm
  max_level: 3
  batch_size: 10
  time_filter_k: 1
  user_agent: harvest-agent
  delay_ms: 250
  parallelism: 2
  ignore_robots: false
http:
  timeout_seconds: 45
  encoding: windows-1252
parser:
  subtitle_policy: required
  markers:
    note: Notas
output:
  dir: /tmp/cells
  write_index: false
server:
  addr: ":9090"
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://tabnet.example/idb2012/matriz.htm", cfg.Crawler.RootURL)
	assert.Equal(t, 3, cfg.Crawler.MaxLevel)
	assert.Equal(t, 10, cfg.Crawler.BatchSize)
	assert.False(t, cfg.Crawler.IgnoreRobots)
	assert.Equal(t, 250*time.Millisecond, cfg.Delay())
	assert.Equal(t, 45*time.Second, cfg.Timeout())
	assert.Equal(t, "windows-1252", cfg.HTTP.Encoding)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.Output.WriteIndex)

	opts := cfg.ParserOptions()
	assert.Equal(t, table.SubtitleRequired, opts.Subtitle)
	assert.Equal(t, "Notas", opts.Markers.Note)
	assert.Equal(t, "Fonte", opts.Markers.Source)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TABNET_CRAWLER_MAX_LEVEL", "5")
	t.Setenv("TABNET_SERVER_ADDR", "127.0.0.1:0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Crawler.MaxLevel)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Addr)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)
	base.Output.Dir = "out"

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "blank output", mutate: func(c *Config) { c.Output.Dir = "  " }, want: "output.dir"},
		{name: "relative root", mutate: func(c *Config) { c.Crawler.RootURL = "/matriz.htm" }, want: "crawler.root_url"},
		{name: "ftp root", mutate: func(c *Config) { c.Crawler.RootURL = "ftp://x/y" }, want: "crawler.root_url"},
		{name: "max level", mutate: func(c *Config) { c.Crawler.MaxLevel = 0 }, want: "crawler.max_level"},
		{name: "batch size", mutate: func(c *Config) { c.Crawler.BatchSize = 0 }, want: "crawler.batch_size"},
		{name: "time filter", mutate: func(c *Config) { c.Crawler.TimeFilterK = -1 }, want: "crawler.time_filter_k"},
		{name: "parallelism", mutate: func(c *Config) { c.Crawler.Parallelism = 0 }, want: "crawler.parallelism"},
		{name: "delay", mutate: func(c *Config) { c.Crawler.DelayMs = -5 }, want: "crawler.delay_ms"},
		{name: "timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "subtitle policy", mutate: func(c *Config) { c.Parser.SubtitlePolicy = "sometimes" }, want: "parser.subtitle_policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
