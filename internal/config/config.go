// Package config loads broker configuration from an optional config
// file and BROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "broker"
	configType = "yaml"
	envPrefix  = "BROKER"
)

// Config holds every tunable of the broker service.
type Config struct {
	// Port the HTTP server listens on.
	Port string `mapstructure:"port"`

	// WSPath is the fixed upgrade path of the broker endpoint.
	WSPath string `mapstructure:"ws_path"`

	// AgentCommand launches the external agent CLI; AgentArgs are
	// its arguments.
	AgentCommand string   `mapstructure:"agent_command"`
	AgentArgs    []string `mapstructure:"agent_args"`

	// DBPath is the sqlite file for the session audit trail.
	DBPath string `mapstructure:"db_path"`

	// TranscriptDir holds per-session event transcripts.
	TranscriptDir string `mapstructure:"transcript_dir"`

	// SkillsDir holds bundled per-host skill directories.
	SkillsDir string `mapstructure:"skills_dir"`

	// PermissionTimeout bounds unanswered permission prompts.
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`

	// HealthWindow is the session-creation staleness window for the
	// health signal.
	HealthWindow time.Duration `mapstructure:"health_window"`
}

// Load reads configuration from ./broker.yaml (if present) and the
// environment. A missing config file is fine; every key has a
// default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/office-agent-chat")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("ws_path", "/api/agent")
	v.SetDefault("agent_command", "agent-cli")
	v.SetDefault("agent_args", []string{"serve", "--stdio"})
	v.SetDefault("db_path", "data/sessions.db")
	v.SetDefault("transcript_dir", "data/transcripts")
	v.SetDefault("skills_dir", "skills")
	v.SetDefault("permission_timeout", "60s")
	v.SetDefault("health_window", "5m")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PermissionTimeout <= 0 {
		return nil, fmt.Errorf("permission_timeout must be positive, got %s", cfg.PermissionTimeout)
	}
	if cfg.HealthWindow <= 0 {
		return nil, fmt.Errorf("health_window must be positive, got %s", cfg.HealthWindow)
	}

	return &cfg, nil
}
