// Package notify delivers operator notifications produced by the lifecycle
// engine. Sinks can be combined with Fanout.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type Sink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogSink writes notifications to the service log. Error notifications are
// logged at warn level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, n domain.Notification) error {
	level := slog.LevelInfo
	if n.Kind == domain.NotificationError {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "notification", "kind", n.Kind, "subject", n.Subject, "detail", n.Detail)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// BusSink publishes notifications to a topic so an operator console can
// subscribe to them.
type BusSink struct {
	publisher publisher
}

func NewBusSink(p publisher) *BusSink {
	return &BusSink{publisher: p}
}

func (s *BusSink) Notify(ctx context.Context, n domain.Notification) error {
	return s.publisher.Publish(ctx, string(n.Kind), n)
}

// Fanout sends every notification to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
