package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Field is one structured key/value pair attached to a log line.
type Field struct {
	key string
	put func(e *zerolog.Event, key string)
}

func (f Field) apply(e *zerolog.Event) {
	if f.put != nil {
		f.put(e, f.key)
	}
}

func String(k, v string) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Str(k, v) }}
}

func Int(k string, v int) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Int(k, v) }}
}

func Int64(k string, v int64) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Int64(k, v) }}
}

func Bool(k string, v bool) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Bool(k, v) }}
}

func Duration(k string, v time.Duration) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Str(k, v.String()) }}
}

func Time(k string, v time.Time) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Time(k, v) }}
}

func Any(k string, v any) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Interface(k, v) }}
}

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{zerolog.ErrorFieldName, func(e *zerolog.Event, k string) { e.AnErr(k, err) }}
}

// Logger writes through a Service (following its sink and level swaps) or
// through a fixed zerolog logger. The zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

var nop = zerolog.Nop()

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{fixed: &nop} }

// NewConsole returns a standalone console logger for code that runs before
// (or without) a Service.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(consoleWriter(Stdout(), false)).
		Level(ParseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) zl() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return l.fixed
	default:
		return &nop
	}
}

// Enabled reports whether a line at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

// Component tags lines with comp=name.
func (l Logger) Component(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

// callerSkip drops write and the level method from the reported caller.
const callerSkip = 2

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	e := l.zl().WithLevel(level)
	if e == nil {
		return
	}
	e = e.Caller(callerSkip)
	for _, f := range l.fields {
		f.apply(e)
	}
	for _, f := range fields {
		f.apply(e)
	}
	e.Msg(msg)
}

var levelNames = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// ParseLevel maps a level name (any case) to a zerolog level, or def when the
// name is unknown.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	if lv, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lv
	}
	return def
}
