// internal/events/sink.go
package events

import (
	"context"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/mender/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONLSink appends every event on the bus to a rotated JSON-lines file.
type JSONLSink struct {
	logger *zap.Logger
	bus    *Bus
	mu     sync.Mutex
	w      io.WriteCloser
}

// NewJSONLSink opens a lumberjack-rotated file for the configured path.
func NewJSONLSink(logger *zap.Logger, bus *Bus, cfg config.EventsConfig) *JSONLSink {
	return newJSONLSink(logger, bus, &lumberjack.Logger{
		Filename:   cfg.SinkFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

func newJSONLSink(logger *zap.Logger, bus *Bus, w io.WriteCloser) *JSONLSink {
	return &JSONLSink{
		logger: logger.Named("event_sink"),
		bus:    bus,
		w:      w,
	}
}

// Run subscribes to every topic and writes each message until ctx is done
// or the bus shuts down.
func (s *JSONLSink) Run(ctx context.Context) {
	ch, unsubscribe := s.bus.Subscribe(AllTopics()...)
	defer unsubscribe()
	s.bus.Consume(ctx, ch, func(_ context.Context, msg Message) {
		s.write(msg)
	})
}

func (s *JSONLSink) write(msg Message) {
	line, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("Failed to encode event", zap.String("topic", string(msg.Topic)), zap.Error(err))
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		s.logger.Warn("Failed to write event", zap.String("topic", string(msg.Topic)), zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
