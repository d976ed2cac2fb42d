// Package logging sets up the process-wide zap logger and exposes the
// CanLog* check-gate idiom so call sites pay for field construction only
// when the level is actually enabled. See SPEC_FULL.md §10.1.
//
// Grounded on utils/log.go, copied near-verbatim: same Check-gate shape,
// same console encoder config. Rotation is added via natefinch/lumberjack,
// a dependency utils/log.go's own InitLog never wires in (it only ever
// writes to stdout).
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the process logs.
type Config struct {
	Level      int    // 0=debug,1=info,2=warn,3=error, matching utils.Log_* + 1
	File       string // rotated log file path; empty means stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var logger *zap.Logger

// Init builds the package-wide logger from cfg. Must be called once at
// process startup before any CanLog* call.
func Init(cfg Config) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(cfg.Level - 1))

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		FunctionKey: "func",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	})

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.File != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), atomicLevel)
	logger = zap.New(core)
}

// L returns the process-wide logger. Init must run first.
func L() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return L().Check(l, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry { return canLogLevel(zap.DebugLevel, msg) }
func CanLogInfo(msg string) *zapcore.CheckedEntry  { return canLogLevel(zap.InfoLevel, msg) }
func CanLogWarn(msg string) *zapcore.CheckedEntry  { return canLogLevel(zap.WarnLevel, msg) }
func CanLogErr(msg string) *zapcore.CheckedEntry   { return canLogLevel(zap.ErrorLevel, msg) }
