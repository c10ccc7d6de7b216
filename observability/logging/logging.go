package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables rotating file output alongside stdout.
type FileConfig struct {
	Path       string `toml:"path" yaml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

// Options tunes the handler installed by Setup.
type Options struct {
	Level slog.Level
	File  *FileConfig
	// Output overrides stdout; tests use it to capture lines.
	Output io.Writer
}

// ParseLevel maps a textual level onto slog levels, defaulting to info.
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

func writerFor(opts Options) (io.Writer, io.Closer) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.File == nil || strings.TrimSpace(opts.File.Path) == "" {
		return out, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File.Path,
		MaxSize:    opts.File.MaxSizeMB,
		MaxBackups: opts.File.MaxBackups,
		MaxAge:     opts.File.MaxAgeDays,
		Compress:   opts.File.Compress,
	}
	return io.MultiWriter(out, rotator), rotator
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided. The returned closer
// is non-nil when file output is enabled.
func Setup(service, env string, opts Options) (*slog.Logger, io.Closer) {
	writer, closer := writerFor(opts)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		AddSource: false,
		Level:     opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so gorm, grpc and friends land in the same stream.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}
