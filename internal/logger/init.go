package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Init 初始化全局日志器
// format 为 "json" 或 "text"
func Init(level, format string) error {
	return Configure(logrus.StandardLogger(), os.Stdout, level, format)
}

// Configure 按级别与格式配置指定日志器
func Configure(l *logrus.Logger, out io.Writer, level, format string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	l.SetOutput(out)
	l.SetLevel(parsed)
	return nil
}

// SetLevel 运行时调整全局日志级别，配置热更新时调用
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	return nil
}
