package config

import (
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Runs    RunsConfig    `mapstructure:"runs"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Follow  FollowConfig  `mapstructure:"follow"`
	History HistoryConfig `mapstructure:"history"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// RunsConfig configures the on-disk run layout.
type RunsConfig struct {
	// Dir holds one subdirectory per run id.
	Dir string `mapstructure:"dir"`
	// ResultFile is the result file name used when a run declares none.
	ResultFile string `mapstructure:"result_file"`
}

// RunnerConfig configures how run scripts are executed.
type RunnerConfig struct {
	Interpreter       string   `mapstructure:"interpreter"`
	InterpreterArgs   []string `mapstructure:"interpreter_args"`
	Env               []string `mapstructure:"env"`
	StatusConcurrency int      `mapstructure:"status_concurrency"`
	CaptureHost       bool     `mapstructure:"capture_host"`
}

// Command returns the interpreter followed by its arguments.
func (c RunnerConfig) Command() []string {
	cmd := []string{strings.TrimSpace(c.Interpreter)}
	return append(cmd, c.InterpreterArgs...)
}

// FollowConfig configures log following.
type FollowConfig struct {
	PollInterval string `mapstructure:"poll_interval"`
}

// PollDuration parses PollInterval, falling back to 500ms.
func (c FollowConfig) PollDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// HistoryConfig configures the execution history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}
