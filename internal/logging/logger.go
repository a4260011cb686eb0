// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service names the root logger.
const Service = "tabnetcells"

// New builds a zap.Logger configured for development or production. Both
// write to stderr so stdout stays free for the command's own output.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger.Named(Service), nil
}

// ForRun tags every entry of logger with the harvest run.
func ForRun(logger *zap.Logger, runID, rootURL string) *zap.Logger {
	return logger.With(zap.String("run_id", runID), zap.String("root_url", rootURL))
}
