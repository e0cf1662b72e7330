package bootstrap

import (
	"ai-browser-control/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newLogger(config *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if config.AppConfig.Debug {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.DisableStacktrace = true

	if level, err := zap.ParseAtomicLevel(config.AppConfig.LogLevel); err == nil {
		zapConfig.Level = level
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if config.AppConfig.LogFile == "" {
		return logger, nil
	}

	// The file always gets JSON, whatever the console encoding is.
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.AppConfig.LogFile,
		MaxSize:    config.AppConfig.LogMaxSizeMB,
		MaxBackups: config.AppConfig.LogMaxBackups,
		MaxAge:     config.AppConfig.LogMaxAgeDays,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), fileWriter, zapConfig.Level)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
