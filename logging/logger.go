package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	ToStdout    bool   `yaml:"to_stdout"`
	JSON        bool   `yaml:"json"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	CompressOld bool   `yaml:"compress"`
}

// New builds the process logger. With no file configured logs go to stdout
// only; otherwise to a rotated file, teed to stdout when ToStdout is set.
func New(cfg Config) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	level := GetLevel(cfg.Level)
	stdout := zapcore.Lock(os.Stdout)

	if cfg.File == "" {
		return zap.New(zapcore.NewCore(encoder, stdout, level), zap.AddCaller())
	}

	if !strings.HasSuffix(cfg.File, ".log") {
		cfg.File += ".log"
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	lumberJackLogger := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		LocalTime:  false,
		Compress:   cfg.CompressOld,
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(lumberJackLogger), level)
	if cfg.ToStdout {
		core = zapcore.NewTee(core, zapcore.NewCore(encoder, stdout, level))
	}
	return zap.New(core, zap.AddCaller())
}

func GetLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
