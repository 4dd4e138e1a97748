package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		errs = append(errs, ValidationError{Field: "addr", Value: c.Addr, Message: "must be host:port"})
	}
	if _, _, err := c.ShellCommand(); err != nil {
		errs = append(errs, ValidationError{Field: "shell", Value: c.Shell, Message: "unbalanced quotes or escapes"})
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "log_level", Value: c.LogLevel, Message: "unknown level"})
	}
	if c.MaxSessions < 0 {
		errs = append(errs, ValidationError{Field: "max_sessions", Value: c.MaxSessions, Message: "must not be negative"})
	}
	if c.KillGrace <= 0 {
		errs = append(errs, ValidationError{Field: "kill_grace", Value: c.KillGrace, Message: "must be positive"})
	}

	return errs
}
