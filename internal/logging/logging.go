// Package logging provides the package-level log call sites the rest of
// this module uses, backed by go.uber.org/zap, with an optional
// time-bucketed file roller for the "log.rotate: DAY|HOUR|MINUTE"
// configuration knob. Request and debug lines are additionally gated by
// the LOG_REQUESTS / LOG_DEBUG environment variables.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotation selects how often the file roller starts a new log file.
type Rotation int

const (
	RotateNone Rotation = iota
	RotateDay
	RotateHour
	RotateMinute
)

func ParseRotation(s string) Rotation {
	switch s {
	case "DAY":
		return RotateDay
	case "HOUR":
		return RotateHour
	case "MINUTE":
		return RotateMinute
	default:
		return RotateNone
	}
}

var (
	mu             sync.Mutex
	logger         *zap.Logger
	requestEnabled = os.Getenv("LOG_REQUESTS") != "NO"
	debugEnabled   = os.Getenv("LOG_DEBUG") == "YES"
)

func init() {
	logger = newConsoleLogger()
}

func newConsoleLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "ts"
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return zap.New(core)
}

// ParseLevel maps the config file's level names onto zap levels. TRACE
// collapses onto DEBUG (zap has no finer level); unknown names mean INFO.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "TRACE", "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Configure switches the backing logger to a rotating file roller rooted
// at dir at the given config level, or back to stdout when dir is empty.
func Configure(dir string, rotation Rotation, level string) error {
	mu.Lock()
	defer mu.Unlock()

	if dir == "" {
		logger = newConsoleLogger()
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	roller := newFileRoller(dir, rotation)
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(roller), ParseLevel(level))
	logger = zap.New(core)
	return nil
}

// fileRoller is a zapcore.WriteSyncer that opens a fresh file whenever the
// rotation bucket (day/hour/minute) changes, named after the bucket start.
type fileRoller struct {
	mu       sync.Mutex
	dir      string
	rotation Rotation
	bucket   string
	file     *os.File
}

func newFileRoller(dir string, rotation Rotation) *fileRoller {
	return &fileRoller{dir: dir, rotation: rotation}
}

func (r *fileRoller) bucketFor(t time.Time) string {
	switch r.rotation {
	case RotateDay:
		return t.Format("2006-01-02")
	case RotateHour:
		return t.Format("2006-01-02-15")
	case RotateMinute:
		return t.Format("2006-01-02-15-04")
	default:
		return "current"
	}
}

func (r *fileRoller) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.bucketFor(time.Now())
	if bucket != r.bucket || r.file == nil {
		if r.file != nil {
			r.file.Close()
		}
		path := filepath.Join(r.dir, bucket+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		r.file = f
		r.bucket = bucket
	}
	return r.file.Write(p)
}

func (r *fileRoller) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func current() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

func LogInfo(line string) {
	current().Info(line)
}

func LogWarning(line string) {
	current().Warn(line)
}

func LogError(err error) {
	current().Error(err.Error())
}

func LogDebug(line string) {
	if !debugEnabled {
		return
	}
	current().Debug(line)
}

func LogRequest(sessionID uint64, ip string, line string) {
	if !requestEnabled {
		return
	}
	current().Info(fmt.Sprintf("#%d (%s) %s", sessionID, ip, line))
}

func LogDebugSession(sessionID uint64, ip string, line string) {
	if !debugEnabled {
		return
	}
	current().Debug(fmt.Sprintf("#%d (%s) %s", sessionID, ip, line))
}

// Sync flushes any buffered log entries; callers should defer this at
// process shutdown.
func Sync() {
	_ = current().Sync()
}
