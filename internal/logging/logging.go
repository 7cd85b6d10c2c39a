// Package logging provides the node's structured logger and a
// non-blocking event fan-out: a process-wide event channel with bounded
// buffering and non-blocking publish. zap does the actual
// formatting/leveling; Hub distributes a copy of every record to
// optional subscribers (the external UI layer) without ever blocking
// the caller on a slow subscriber.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a {level, source, message, ...} event shape with a small
// closed set rather than zap's full level range.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one log record delivered to subscribers.
type Event struct {
	Level     Level
	Source    string
	Message   string
	Err       string
	Timestamp time.Time
}

// Hub wraps a zap.SugaredLogger and fans every record out to subscribers
// over bounded channels. Subscribers that fail to keep up simply miss
// events; core operations never block on delivery.
type Hub struct {
	zap *zap.SugaredLogger

	mu   sync.RWMutex
	subs []chan Event
}

// NewHub builds a Hub around a production zap logger. name identifies
// the node in every log line (e.g. the device-id).
func NewHub(name string) (*Hub, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Hub{zap: logger.Sugar().Named(name)}, nil
}

// Subscribe registers a new channel that receives a copy of every event
// published after this call, with the given buffer size. The returned
// channel is never closed by Hub; callers should stop reading from it
// when done (there is no explicit unsubscribe — subscribers come and go
// with the lifetime of UI windows, and a leaked, unread channel only
// costs memory, not correctness).
func (h *Hub) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the caller.
		}
	}
}

// Debug logs at debug level, format+args like zap's Sugared methods.
func (h *Hub) Debug(source, msg string, args ...any) { h.log(LevelDebug, source, msg, nil, args...) }

// Info logs at info level.
func (h *Hub) Info(source, msg string, args ...any) { h.log(LevelInfo, source, msg, nil, args...) }

// Warn logs at warn level.
func (h *Hub) Warn(source, msg string, args ...any) { h.log(LevelWarn, source, msg, nil, args...) }

// Error logs at error level with an associated error value.
func (h *Hub) Error(source, msg string, err error, args ...any) {
	h.log(LevelError, source, msg, err, args...)
}

func (h *Hub) log(level Level, source, msg string, err error, args ...any) {
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}

	switch level {
	case LevelDebug:
		h.zap.Debugw(formatted, "source", source)
	case LevelInfo:
		h.zap.Infow(formatted, "source", source)
	case LevelWarn:
		h.zap.Warnw(formatted, "source", source)
	case LevelError:
		if err != nil {
			h.zap.Errorw(formatted, "source", source, "error", err)
		} else {
			h.zap.Errorw(formatted, "source", source)
		}
	}

	ev := Event{Level: level, Source: source, Message: formatted, Timestamp: time.Now()}
	if err != nil {
		ev.Err = err.Error()
	}
	h.publish(ev)
}

// Sync flushes the underlying zap logger.
func (h *Hub) Sync() error {
	return h.zap.Sync()
}
