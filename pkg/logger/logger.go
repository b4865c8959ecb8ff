// Package logger wraps log/slog with per-component log levels. The routing
// of log output (files, syslog, rotation) is left to whatever supervises
// the daemon; this package only formats and filters.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component names used across the server.
const (
	ComponentMain     = "main"
	ComponentMaster   = "master"
	ComponentWorker   = "worker"
	ComponentListener = "listener"
	ComponentPipeline = "pipeline"
	ComponentControl  = "control"
	ComponentLQStore  = "lqstore"
	ComponentExporter = "exporter"
	ComponentConfig   = "configd"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var (
	Log             *slog.Logger
	defaultLevel    slog.Level
	componentLevels map[string]slog.Level
	levelsMu        sync.RWMutex
	pid             int
	loggerCache     sync.Map
	output          io.Writer
	jsonFormat      bool
)

func init() {
	defaultLevel = slog.LevelInfo
	componentLevels = make(map[string]slog.Level)
	pid = os.Getpid()
	output = os.Stderr

	Log = slog.New(newTextHandler(output, ""))
}

// Configure sets the output format, the default level and per-component
// level overrides. Components inherit levels hierarchically by dotted name.
func Configure(format string, level LogLevel, components map[string]LogLevel) {
	levelsMu.Lock()
	defaultLevel = parseLevel(string(level))
	componentLevels = make(map[string]slog.Level)
	for name, lvl := range components {
		componentLevels[name] = parseLevel(string(lvl))
	}
	jsonFormat = strings.EqualFold(format, "json")
	levelsMu.Unlock()

	loggerCache = sync.Map{}

	if jsonFormat {
		Log = slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: defaultLevel}))
	} else {
		Log = slog.New(newTextHandler(output, ""))
	}
}

// IncreaseVerbosity lowers the default level one notch per step, matching
// the repeatable -v flag.
func IncreaseVerbosity(steps int) {
	levelsMu.Lock()
	defer levelsMu.Unlock()
	for i := 0; i < steps; i++ {
		switch defaultLevel {
		case slog.LevelError:
			defaultLevel = slog.LevelWarn
		case slog.LevelWarn:
			defaultLevel = slog.LevelInfo
		default:
			defaultLevel = slog.LevelDebug
		}
	}
}

// Component returns a cached logger for the given component name.
func Component(name string) *slog.Logger {
	if cached, ok := loggerCache.Load(name); ok {
		return cached.(*slog.Logger)
	}

	var l *slog.Logger
	levelsMu.RLock()
	useJSON := jsonFormat
	levelsMu.RUnlock()
	if useJSON {
		l = Log.With("component", name)
	} else {
		l = slog.New(newTextHandler(output, name))
	}

	actual, _ := loggerCache.LoadOrStore(name, l)
	return actual.(*slog.Logger)
}

// SetComponentLevel overrides the level of one component at runtime, used
// by the control socket.
func SetComponentLevel(name string, level LogLevel) {
	levelsMu.Lock()
	componentLevels[name] = parseLevel(string(level))
	levelsMu.Unlock()
}

type textHandler struct {
	mu        sync.Mutex
	w         io.Writer
	attrs     []slog.Attr
	component string
}

func newTextHandler(w io.Writer, component string) *textHandler {
	return &textHandler{w: w, component: component}
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= effectiveLevel(h.component)
}

func (h *textHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, 0, 256)
	buf = append(buf, r.Time.Format("2006/01/02 15:04:05.000")...)
	buf = append(buf, fmt.Sprintf(" [%d]", pid)...)
	if h.component != "" {
		buf = append(buf, fmt.Sprintf(" [%s]", h.component)...)
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Level.String()...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = append(buf, fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())...)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = append(buf, fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())...)
		return true
	})

	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{
		w:         h.w,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
		component: h.component,
	}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	component := name
	if h.component != "" {
		component = h.component + "." + name
	}
	return &textHandler{w: h.w, attrs: h.attrs, component: component}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func effectiveLevel(component string) slog.Level {
	levelsMu.RLock()
	defer levelsMu.RUnlock()

	if level, ok := componentLevels[component]; ok {
		return level
	}

	path := component
	for {
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			break
		}
		path = path[:idx]
		if level, ok := componentLevels[path]; ok {
			return level
		}
	}
	return defaultLevel
}

// WithTransaction attaches transaction correlation attributes.
func WithTransaction(l *slog.Logger, txn string, listener string) *slog.Logger {
	args := make([]any, 0, 4)
	if txn != "" {
		args = append(args, "txn", txn)
	}
	if listener != "" {
		args = append(args, "listener", listener)
	}
	return l.With(args...)
}
