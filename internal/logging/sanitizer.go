package logging

import (
	"regexp"
)

// Sanitizer redacts sensitive information from log messages.
// Run arguments are logged on every launch and regularly carry credentials
// for dataset or tracking services.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// OpenAI / Anthropic style keys
		`sk-[A-Za-z0-9_-]{20,}`,
		// Hugging Face
		`hf_[A-Za-z0-9]{30,}`,
		// GitHub tokens
		`gh[pousr]_[A-Za-z0-9]{36}`,
		// AWS Access Key
		`AKIA[0-9A-Z]{16}`,
		// Generic Bearer tokens
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// Command line flags: --api-key=..., --token ..., --password=...
		`(?i)--?[a-z_-]*(api[_-]?key|token|secret|password)[= ]\S+`,
		// KEY=VALUE environment style
		`(?i)[A-Z_]*(API_KEY|TOKEN|SECRET|PASSWORD)=\S+`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SanitizeArgs redacts each element of an argument list.
func (s *Sanitizer) SanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = s.Sanitize(a)
	}
	return out
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
