package loggingutil

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// LevelSwitch hands out loggers whose minimum level can be changed after
// they were created, e.g. when a watched config file changes.
type LevelSwitch struct {
	root    pslog.Logger
	current atomic.Pointer[pslog.Logger]
}

// NewLevelSwitch wraps root at the supplied level.
func NewLevelSwitch(root pslog.Logger, level pslog.Level) *LevelSwitch {
	s := &LevelSwitch{root: EnsureLogger(root)}
	s.SetLevel(level)
	return s
}

// SetLevel changes the level of every logger handed out by s.
func (s *LevelSwitch) SetLevel(level pslog.Level) {
	leveled := s.root.LogLevel(level)
	s.current.Store(&leveled)
}

// Logger returns a logger that follows s.
func (s *LevelSwitch) Logger() pslog.Logger {
	return &switchLogger{sw: s}
}

func (s *LevelSwitch) load() pslog.Logger {
	return *s.current.Load()
}

type switchLogger struct {
	sw      *LevelSwitch
	keyvals []any
}

func (l *switchLogger) args(extra []any) []any {
	if len(l.keyvals) == 0 {
		return extra
	}
	out := make([]any, 0, len(l.keyvals)+len(extra))
	out = append(out, l.keyvals...)
	return append(out, extra...)
}

func (l *switchLogger) Trace(msg string, keyvals ...any) { l.sw.load().Trace(msg, l.args(keyvals)...) }
func (l *switchLogger) Debug(msg string, keyvals ...any) { l.sw.load().Debug(msg, l.args(keyvals)...) }
func (l *switchLogger) Info(msg string, keyvals ...any)  { l.sw.load().Info(msg, l.args(keyvals)...) }
func (l *switchLogger) Warn(msg string, keyvals ...any)  { l.sw.load().Warn(msg, l.args(keyvals)...) }
func (l *switchLogger) Error(msg string, keyvals ...any) { l.sw.load().Error(msg, l.args(keyvals)...) }
func (l *switchLogger) Fatal(msg string, keyvals ...any) { l.sw.load().Fatal(msg, l.args(keyvals)...) }
func (l *switchLogger) Panic(msg string, keyvals ...any) { l.sw.load().Panic(msg, l.args(keyvals)...) }

func (l *switchLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.sw.load().Log(level, msg, l.args(keyvals)...)
}

func (l *switchLogger) With(keyvals ...any) pslog.Logger {
	return &switchLogger{sw: l.sw, keyvals: l.args(keyvals)}
}

// WithLogLevel, LogLevel and LogLevelFromEnv detach from the switch.
func (l *switchLogger) WithLogLevel() pslog.Logger {
	return l.sw.load().WithLogLevel().With(l.keyvals...)
}

func (l *switchLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.sw.load().LogLevel(level).With(l.keyvals...)
}

func (l *switchLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.sw.load().LogLevelFromEnv(key).With(l.keyvals...)
}
