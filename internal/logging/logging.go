// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/chatrelay/internal/config"
)

// Setup configures the logrus standard logger from cfg.
func Setup(cfg config.LoggingConfig) error {
	return Configure(logrus.StandardLogger(), cfg)
}

// Configure applies level, formatter and caller reporting to l. An unknown
// level is an error and leaves l unchanged.
func Configure(l *logrus.Logger, cfg config.LoggingConfig) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	case "text", "":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	l.SetLevel(level)
	l.SetFormatter(formatter)
	l.SetReportCaller(cfg.ReportCaller)
	return nil
}
