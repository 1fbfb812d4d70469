// Package logger wires zap to a rotated file sink plus stderr, matching the
// structured-logging shape every component in this codebase expects: an
// injected *zap.Logger, never a package-level global, at every constructor
// boundary except the composition root.
package logger

import (
	"os"

	"github.com/genbridge/gateway/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *zap.Logger writing structured JSON to both stderr and a
// rotated file sink described by cfg.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
		zapcore.NewCore(encoder, fileSink, level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// RequestFields builds the standard per-request zap fields every handler and
// component attaches to its logs: request id, account identity, conversation
// id, and the Upstream call kind being performed.
func RequestFields(requestID, accountTeamID, conversationID, upstreamCall string) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if accountTeamID != "" {
		fields = append(fields, zap.String("account_team_id", accountTeamID))
	}
	if conversationID != "" {
		fields = append(fields, zap.String("conversation_id", conversationID))
	}
	if upstreamCall != "" {
		fields = append(fields, zap.String("upstream_call", upstreamCall))
	}
	return fields
}
