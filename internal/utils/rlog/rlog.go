/*
日志工具

保留 Debug/Info/Warn/Error(format, args...) 的调用方式
底层使用 log/slog，支持 text/json 两种输出格式
*/
package rlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// level 是 LevelVar，并发读写安全
var (
	current atomic.Pointer[slog.Logger]
	level   = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelDebug)
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Options 日志配置
type Options struct {
	Level  string    // debug / info / warn / error
	Format string    // text / json
	Output io.Writer // 默认 os.Stderr
}

// Setup 根据配置重建全局 logger，进程启动时调用一次
func Setup(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}
	level.Set(lvl)
	current.Store(slog.New(handler))
	return nil
}

// ParseLevel 解析日志级别，空字符串按 info 处理
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger 返回当前的结构化 logger，需要附带字段时使用
func Logger() *slog.Logger {
	return current.Load()
}

func Debug(format string, v ...any) {
	// 级别不够时跳过格式化
	if level.Level() <= slog.LevelDebug {
		Logger().Debug(fmt.Sprintf(format, v...))
	}
}

func Info(format string, v ...any) {
	Logger().Info(fmt.Sprintf(format, v...))
}

func Warn(format string, v ...any) {
	Logger().Warn(fmt.Sprintf(format, v...))
}

func Error(format string, v ...any) {
	Logger().Error(fmt.Sprintf(format, v...))
}
