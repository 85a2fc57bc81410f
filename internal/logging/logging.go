// Package logging は slog ロガーの初期化を提供します。
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/yourusername/pano-forge/internal/config"
)

const logFileName = "app.log"

// Setup は設定に従って slog ロガーを作成し、デフォルトロガーにも設定します。
// LogDir が指定されている場合は標準出力と日次ローテーションのファイルに書き込みます。
// 戻り値の io.Closer はファイル出力を閉じるために main から呼び出します。
func Setup(cfg *config.Config) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.LogDir != "" {
		file := &lumberjack.Logger{
			Filename: filepath.Join(cfg.LogDir, logFileName),
			MaxAge:   cfg.LogRetainDays,
			MaxSize:  100, // MB
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	logger := New(out, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger, closer
}

// New は出力先・形式・レベルを指定して slog ロガーを作成します。
func New(out io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel はログレベル文字列を slog.Level に変換します。不明な値は info 扱いです。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard はテスト用に何も出力しないロガーを返します。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
