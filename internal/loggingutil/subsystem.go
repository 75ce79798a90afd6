package loggingutil

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// sysKey is the field every relayd component uses to name itself in logs.
const sysKey = "sys"

// Subsystem joins non-empty parts into a dotted subsystem path such as
// "http.ingest.track".
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem tags every entry written through the returned logger with
// sys=subsystem. Re-tagging a tagged logger swaps the subsystem and keeps the
// fields collected so far.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	if existing, ok := logger.(*tagged); ok {
		return existing.derive(existing.base, subsystem, nil)
	}
	return &tagged{base: EnsureLogger(logger), sys: subsystem}
}

type tagged struct {
	base   pslog.Logger
	sys    string
	fields []any
}

func (l *tagged) derive(base pslog.Logger, sys string, extra []any) *tagged {
	fields := make([]any, 0, len(l.fields)+len(extra))
	fields = append(fields, l.fields...)
	fields = append(fields, extra...)
	if len(fields) == 0 {
		fields = nil
	}
	return &tagged{base: EnsureLogger(base), sys: sys, fields: fields}
}

func (l *tagged) keyvals(extra []any) []any {
	out := make([]any, 0, 2+len(l.fields)+len(extra))
	out = append(out, pslog.TrustedString(sysKey), l.sys)
	out = append(out, l.fields...)
	return append(out, extra...)
}

func (l *tagged) Trace(msg string, kv ...any) { l.base.Trace(msg, l.keyvals(kv)...) }
func (l *tagged) Debug(msg string, kv ...any) { l.base.Debug(msg, l.keyvals(kv)...) }
func (l *tagged) Info(msg string, kv ...any)  { l.base.Info(msg, l.keyvals(kv)...) }
func (l *tagged) Warn(msg string, kv ...any)  { l.base.Warn(msg, l.keyvals(kv)...) }
func (l *tagged) Error(msg string, kv ...any) { l.base.Error(msg, l.keyvals(kv)...) }
func (l *tagged) Fatal(msg string, kv ...any) { l.base.Fatal(msg, l.keyvals(kv)...) }
func (l *tagged) Panic(msg string, kv ...any) { l.base.Panic(msg, l.keyvals(kv)...) }

func (l *tagged) Log(level pslog.Level, msg string, kv ...any) {
	l.base.Log(level, msg, l.keyvals(kv)...)
}

// With appends fields. A "sys" pair among them replaces the subsystem instead
// of producing a duplicate key.
func (l *tagged) With(kv ...any) pslog.Logger {
	sys := l.sys
	extra := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) && isSysKey(kv[i]) {
			sys = fmt.Sprint(kv[i+1])
			continue
		}
		extra = append(extra, kv[i])
		if i+1 < len(kv) {
			extra = append(extra, kv[i+1])
		}
	}
	return l.derive(l.base, sys, extra)
}

func (l *tagged) WithLogLevel() pslog.Logger {
	return l.derive(l.base.WithLogLevel(), l.sys, nil)
}

func (l *tagged) LogLevel(level pslog.Level) pslog.Logger {
	return l.derive(l.base.LogLevel(level), l.sys, nil)
}

func (l *tagged) LogLevelFromEnv(key string) pslog.Logger {
	return l.derive(l.base.LogLevelFromEnv(key), l.sys, nil)
}

func isSysKey(key any) bool {
	switch v := key.(type) {
	case string:
		return v == sysKey
	case pslog.TrustedString:
		return string(v) == sysKey
	}
	return false
}
