package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logger struct {
	once  sync.Once
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("MESHCHAT_DEBUG") == "1"
}

func (l *logger) get() *zap.SugaredLogger {
	l.once.Do(func() {
		l.mu.Lock()
		if l.sugar == nil {
			l.sugar = newStderrLogger().Sugar()
		}
		l.mu.Unlock()
	})
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sugar
}

func newStderrLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if enabled() {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core)
}

// SetLogger replaces the backend, e.g. with zaptest or zap.NewNop in tests.
func SetLogger(z *zap.Logger) {
	global.once.Do(func() {})
	global.mu.Lock()
	global.sugar = z.Sugar()
	global.mu.Unlock()
}

func Sync() {
	_ = global.get().Sync()
}

func Logf(format string, args ...any) {
	global.get().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	global.get().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	global.get().Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	global.get().Debugf(format, args...)
}
