package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log 全局日志
	Log *zap.SugaredLogger = zap.NewNop().Sugar()

	logger *zap.Logger = zap.NewNop()
)

// Init 按级别和格式初始化日志，format 为 "json" 或 "console"
func Init(level, format string) error {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.Encoding = "console"
	}

	zapLevel, err := parseLevel(level)
	if err != nil {
		return err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	// 进度条占用标准错误，日志同样写到标准错误，避免污染标准输出
	config.OutputPaths = []string{"stderr"}

	built, err := config.Build()
	if err != nil {
		return fmt.Errorf("无法初始化日志: %w", err)
	}
	logger = built
	Log = built.Sugar()
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("无效的日志级别: %s", level)
	}
}

// Sync 刷新缓冲中的日志
func Sync() error {
	return logger.Sync()
}

// L 返回底层的 zap.Logger
func L() *zap.Logger {
	return logger
}
