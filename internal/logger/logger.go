package logger

import (
	"io"
	"os"

	"github.com/fachebot/evm-swap-engine/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var std = newStd()

func newStd() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// Init 按配置设置日志级别与滚动文件
func Init(c config.Log) {
	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			std.Warnf("无效的日志级别 %s, 使用 info", c.Level)
		} else {
			std.SetLevel(level)
		}
	}

	if c.Filename == "" {
		return
	}

	maxSize := c.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	rotate := &lumberjack.Logger{
		Filename:   c.Filename,
		MaxSize:    maxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		LocalTime:  true,
		Compress:   true,
	}
	std.SetOutput(io.MultiWriter(os.Stdout, rotate))
}

func Logger() *logrus.Logger {
	return std
}

func Debugf(format string, args ...any) {
	std.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	std.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	std.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	std.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	std.Fatalf(format, args...)
}
