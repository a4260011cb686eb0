// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tabnet-cells/internal/table"
)

// EnvPrefix prefixes every environment override, e.g. TABNET_CRAWLER_MAX_LEVEL.
const EnvPrefix = "TABNET"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Parser  ParserConfig  `mapstructure:"parser"`
	Output  OutputConfig  `mapstructure:"output"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlerConfig governs traversal and politeness.
type CrawlerConfig struct {
	RootURL           string `mapstructure:"root_url"`
	MaxLevel          int    `mapstructure:"max_level"`
	BatchSize         int    `mapstructure:"batch_size"`
	TimeFilterK       int    `mapstructure:"time_filter_k"`
	UserAgent         string `mapstructure:"user_agent"`
	DelayMs           int    `mapstructure:"delay_ms"`
	Parallelism       int    `mapstructure:"parallelism"`
	IgnoreRobots      bool   `mapstructure:"ignore_robots"`
	QualificationText string `mapstructure:"qualification_text"`
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Encoding       string `mapstructure:"encoding"`
}

// ParserConfig configures the report parser.
type ParserConfig struct {
	SubtitlePolicy string        `mapstructure:"subtitle_policy"`
	Markers        MarkersConfig `mapstructure:"markers"`
}

// MarkersConfig holds the section prefixes of the export format.
type MarkersConfig struct {
	Period string `mapstructure:"period"`
	Source string `mapstructure:"source"`
	Label  string `mapstructure:"label"`
	Note   string `mapstructure:"note"`
}

// OutputConfig controls where artifacts land.
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	TemplatePath string `mapstructure:"template_path"`
	WriteIndex   bool   `mapstructure:"write_index"`
}

// ServerConfig controls the optional status server. Empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	markers := table.DefaultMarkers()
	v.SetDefault("crawler.root_url", "http://tabnet.datasus.gov.br/cgi/idb2011/matriz.htm")
	v.SetDefault("crawler.max_level", 2)
	v.SetDefault("crawler.batch_size", 100)
	v.SetDefault("crawler.time_filter_k", 3)
	v.SetDefault("crawler.user_agent", "tabnet-cells/0.1")
	v.SetDefault("crawler.delay_ms", 0)
	v.SetDefault("crawler.parallelism", 4)
	v.SetDefault("crawler.ignore_robots", true)
	v.SetDefault("crawler.qualification_text", "Ficha de qualificação")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.encoding", "ISO-8859-1")
	v.SetDefault("parser.subtitle_policy", string(table.SubtitleOptional))
	v.SetDefault("parser.markers.period", markers.Period)
	v.SetDefault("parser.markers.source", markers.Source)
	v.SetDefault("parser.markers.label", markers.Label)
	v.SetDefault("parser.markers.note", markers.Note)
	v.SetDefault("output.dir", "")
	v.SetDefault("output.template_path", "")
	v.SetDefault("output.write_index", true)
	v.SetDefault("server.addr", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. It runs after the
// CLI has filled in Output.Dir.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir must be set")
	}
	u, err := url.Parse(c.Crawler.RootURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("crawler.root_url must be an absolute http(s) url, got %q", c.Crawler.RootURL)
	}
	if c.Crawler.MaxLevel <= 0 {
		return fmt.Errorf("crawler.max_level must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.TimeFilterK <= 0 {
		return fmt.Errorf("crawler.time_filter_k must be > 0")
	}
	if c.Crawler.Parallelism <= 0 {
		return fmt.Errorf("crawler.parallelism must be > 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch table.SubtitlePolicy(c.Parser.SubtitlePolicy) {
	case table.SubtitleOptional, table.SubtitleRequired:
	default:
		return fmt.Errorf("parser.subtitle_policy must be %q or %q, got %q",
			table.SubtitleOptional, table.SubtitleRequired, c.Parser.SubtitlePolicy)
	}
	return nil
}

// Timeout is the per-request transport budget.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Delay is the pause between requests to the same host.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// ParserOptions maps the parser section onto table.Options.
func (c Config) ParserOptions() table.Options {
	return table.Options{
		Subtitle: table.SubtitlePolicy(c.Parser.SubtitlePolicy),
		Markers: table.Markers{
			Period: c.Parser.Markers.Period,
			Source: c.Parser.Markers.Source,
			Label:  c.Parser.Markers.Label,
			Note:   c.Parser.Markers.Note,
		},
	}
}
