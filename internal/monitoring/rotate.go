package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures a size-rotated log file.
type FileConfig struct {
	Filename   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	// Tee also writes every line to stderr.
	Tee bool
}

// DefaultFileConfig returns rotation settings for a reconstruction run log.
func DefaultFileConfig(filename string) FileConfig {
	return FileConfig{
		Filename:   filename,
		MaxSize:    32, // MB
		MaxBackups: 3,
		MaxAge:     14,
	}
}

// NewRotatingLogger opens a rotating log file and installs it as the
// package logger. The returned closer flushes and closes the file and
// restores the previous logger.
func NewRotatingLogger(cfg FileConfig) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var w io.Writer = lj
	if cfg.Tee {
		w = io.MultiWriter(lj, os.Stderr)
	}
	l := log.New(w, "", log.LstdFlags|log.Lmicroseconds)

	prev := Logf
	SetLogger(l.Printf)
	return &rotatingLogger{lj: lj, prev: prev}
}

type rotatingLogger struct {
	lj   *lumberjack.Logger
	prev func(format string, v ...interface{})
}

func (r *rotatingLogger) Close() error {
	Logf = r.prev
	return r.lj.Close()
}
