/*
Copyright 2024 The Pod Graceful Drain Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides the controller's structured logging setup.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Config controls log level and encoding.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Logger wraps logr.Logger with a handle on the config it was built from, so
// children built from it keep reporting the same format/level.
type Logger struct {
	logr.Logger
	config *Config
}

// DefaultConfig returns the production logging configuration.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "json"}
}

// NewLogger builds a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := ctrlzap.Options{Development: false}
	if cfg.Format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "time"
		encoderConfig.LevelKey = "level"
		encoderConfig.MessageKey = "msg"
		encoderConfig.CallerKey = "caller"
		encoderConfig.StacktraceKey = "stacktrace"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		opts.Encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		opts.Development = true
		opts.Encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	level := parseZapLevel(cfg.Level)
	opts.Level = &level

	return &Logger{
		Logger: ctrlzap.New(ctrlzap.UseFlagOptions(&opts)),
		config: cfg,
	}, nil
}

func parseZapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithName returns a child logger named name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{Logger: l.Logger.WithName(name), config: l.config}
}

// WithValues returns a child logger carrying the given key/value pairs.
func (l *Logger) WithValues(keysAndValues ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.WithValues(keysAndValues...), config: l.config}
}

// WithWebhook returns a logger scoped to one webhook admission request.
func (l *Logger) WithWebhook(operation, namespace, name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(
			"webhook_operation", operation,
			"namespace", namespace,
			"name", name,
		),
		config: l.config,
	}
}

// GetConfig returns the config this logger was built from.
func (l *Logger) GetConfig() *Config {
	return l.config
}

// FromEnv builds a Logger from POD_GRACEFUL_DRAIN_LOG_{LEVEL,FORMAT}.
func FromEnv() (*Logger, error) {
	return NewLogger(&Config{
		Level:  getEnvOrDefault("POD_GRACEFUL_DRAIN_LOG_LEVEL", "info"),
		Format: getEnvOrDefault("POD_GRACEFUL_DRAIN_LOG_FORMAT", "json"),
	})
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
