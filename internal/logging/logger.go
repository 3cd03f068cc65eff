package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a leveled logger that writes to a terminal and fans events out to
// subscribers. Debug events are only written when debug output is enabled,
// subscribers see them either way.
type Logger struct {
	debug  atomic.Bool
	pretty bool

	outMu sync.Mutex
	out   io.Writer

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(Event)
}

type Event struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Fields  map[string]any
}

func New(debug bool) *Logger {
	l := &Logger{
		pretty: shouldPrettyPrint(),
		out:    os.Stderr,
		subs:   map[int]func(Event){},
	}
	l.debug.Store(debug)
	return l
}

func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// SetOutput redirects terminal output. A nil writer silences it.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.outMu.Lock()
	l.out = w
	l.pretty = w == os.Stderr && shouldPrettyPrint()
	l.outMu.Unlock()
}

func (l *Logger) SetDebugEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.debug.Store(enabled)
}

func (l *Logger) DebugEnabled() bool {
	return l != nil && l.debug.Load()
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string, fields ...slog.Attr) {
	l.log(slog.LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields ...slog.Attr) {
	l.log(slog.LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...slog.Attr) {
	l.log(slog.LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields ...slog.Attr) {
	l.log(slog.LevelError, msg, fields)
}

// Subscribe registers fn for every event, including suppressed debug events.
// The returned func removes the subscription.
func (l *Logger) Subscribe(fn func(Event)) func() {
	if l == nil {
		panic("logging.Logger.Subscribe: logger must not be nil")
	}
	if fn == nil {
		panic("logging.Logger.Subscribe: callback must not be nil")
	}
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Logger) log(level slog.Level, msg string, attrs []slog.Attr) {
	if l == nil {
		return
	}
	event := Event{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Fields:  attrsToMap(attrs),
	}
	if level > slog.LevelDebug || l.debug.Load() {
		l.write(event)
	}
	l.publish(event)
}

func (l *Logger) write(event Event) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	if l.out == nil {
		return
	}
	if l.pretty {
		_, _ = io.WriteString(l.out, FormatEventANSI(event))
		return
	}
	_, _ = io.WriteString(l.out, FormatEventLine(event))
}

func (l *Logger) publish(event Event) {
	l.subMu.RLock()
	if len(l.subs) == 0 {
		l.subMu.RUnlock()
		return
	}
	callbacks := make([]func(Event), 0, len(l.subs))
	for _, cb := range l.subs {
		callbacks = append(callbacks, cb)
	}
	l.subMu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}
}
