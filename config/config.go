// Package config loads runtime settings from the environment and sets up
// logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Prefix is prepended to every variable name, e.g. POLICYFUZZ_LOG_LEVEL.
const Prefix = "POLICYFUZZ"

// Config holds settings shared by the CLI and embedding harnesses.
type Config struct {
	// Env: POLICYFUZZ_LOG_LEVEL
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Env: POLICYFUZZ_LOG_FORMAT, "text" or "json"
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
	// Env: POLICYFUZZ_POLICY_FILE
	PolicyFile string `envconfig:"POLICY_FILE"`
	// PID selects the process whose modules are inspected. Zero is the
	// calling process.
	// Env: POLICYFUZZ_PID
	PID int `envconfig:"PID" default:"0" validate:"gte=0"`
}

var validate = validator.New()

// Load reads Config from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values Load cannot type-check.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s_LOG_LEVEL: %w", Prefix, err)
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.ActualTag(), fe.Value()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// SetupLogging configures the standard logrus logger. Logs go to w, or
// stderr when w is nil, so they never mix with reports on stdout.
func (c *Config) SetupLogging(w io.Writer) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if w == nil {
		w = os.Stderr
	}
	logrus.SetOutput(w)
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}
