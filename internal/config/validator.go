package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateRuns(&cfg.Runs)
	v.validateRunner(&cfg.Runner)
	v.validateFollow(&cfg.Follow)
	v.validateHistory(&cfg.History)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateRuns(cfg *RunsConfig) {
	if strings.TrimSpace(cfg.Dir) == "" {
		v.addError("runs.dir", cfg.Dir, "directory required")
	} else if !isValidPath(cfg.Dir) {
		v.addError("runs.dir", cfg.Dir, "invalid directory path")
	}

	switch {
	case strings.TrimSpace(cfg.ResultFile) == "":
		v.addError("runs.result_file", cfg.ResultFile, "file name required")
	case filepath.IsAbs(cfg.ResultFile) || strings.HasPrefix(filepath.Clean(cfg.ResultFile), ".."):
		v.addError("runs.result_file", cfg.ResultFile, "must be relative to the run directory")
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	if strings.TrimSpace(cfg.Interpreter) == "" {
		v.addError("runner.interpreter", cfg.Interpreter, "interpreter required")
	}

	for _, kv := range cfg.Env {
		if !strings.Contains(kv, "=") {
			v.addError("runner.env", kv, "entries must be KEY=VALUE")
		}
	}

	if cfg.StatusConcurrency < 1 || cfg.StatusConcurrency > 256 {
		v.addError("runner.status_concurrency", cfg.StatusConcurrency, "must be between 1 and 256")
	}
}

func (v *Validator) validateFollow(cfg *FollowConfig) {
	d, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		v.addError("follow.poll_interval", cfg.PollInterval, "invalid duration format")
		return
	}
	if d < 10*time.Millisecond {
		v.addError("follow.poll_interval", cfg.PollInterval, "must be at least 10ms")
	}
}

func (v *Validator) validateHistory(cfg *HistoryConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Path == "" {
		v.addError("history.path", cfg.Path, "path required when enabled")
	} else if !isValidPath(cfg.Path) {
		v.addError("history.path", cfg.Path, "invalid file path")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("server.addr", cfg.Addr, "must be host:port")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	if err := v.Validate(cfg); err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid configuration").WithCause(err)
	}
	return nil
}
