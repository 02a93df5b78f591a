package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rexliu/hostbridge/pkg/config"
)

// Logger wraps a zap sugared logger with the Printf entry point the ipc
// package expects.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
	name  string
	file  *rollingFile // owned by the logger Configure was called on
}

// New returns a console logger writing to stderr at info level. Stdout is
// left alone because a stdio host uses it for frames.
func New(name string) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level)
	return &Logger{
		SugaredLogger: zap.New(core, zap.AddCaller()).Named(name).Sugar(),
		level:         level,
		name:          name,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// FromZap adapts an existing zap logger.
func FromZap(l *zap.Logger) *Logger {
	return &Logger{SugaredLogger: l.Sugar(), level: zap.NewAtomicLevel()}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), level: l.level, name: l.name}
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.Named(name), level: l.level, name: l.name + "." + name}
}

// Configure applies logging settings from config. Call it before deriving
// children with With or Named; children keep the outputs they were built with.
// A file opened by an earlier Configure is closed once replaced.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.SugaredLogger == nil {
		return nil
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		l.level.SetLevel(lvl)
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return err
		}
		core := zapcore.NewTee(
			zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), l.level),
			zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), writer, l.level),
		)
		l.SugaredLogger = zap.New(core, zap.AddCaller()).Named(l.name).Sugar()
		prev := l.file
		l.file = writer
		if prev != nil {
			if err := prev.Close(); err != nil {
				return fmt.Errorf("close previous log file: %w", err)
			}
		}
	}
	return nil
}

// Level reports the active level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			r.file.Close()
			os.Rename(r.path, r.path+".1")
			newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return 0, err
			}
			r.file = newFile
		}
	}
	return r.file.Write(p)
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func (r *rollingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Sync()
}
