package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// 环境变量覆盖项
const (
	EnvLogLevel = "FBOX_LOG_LEVEL"
	EnvLogJSON  = "FBOX_LOG_JSON"
)

// Init 初始化全局 zerolog 日志器并返回它
// verbose 为 true 时默认级别为 debug，环境变量优先于参数
func Init(app string, verbose bool) zerolog.Logger {
	return InitWithWriter(os.Stderr, app, verbose)
}

// InitWithWriter 同 Init，但输出到指定的 writer（主要用于测试）
func InitWithWriter(w io.Writer, app string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}

	out := w
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); !ok || !v {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    os.Getenv("NO_COLOR") != "",
		}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component 从全局日志器派生一个带 component 字段的子日志器
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// ParseLevel 解析日志级别字符串，未识别时返回 false
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "none", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
