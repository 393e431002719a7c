// Package notify sends operator alerts through pluggable channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Channel represents a notification channel type.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Message represents a notification message.
type Message struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Level  Level             `json:"level"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sender delivers a message somewhere.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier is a Sender bound to one channel.
type Notifier interface {
	Sender
	Channel() Channel
}

// Dispatcher fans a message out to every registered notifier.
type Dispatcher struct {
	notifiers map[Channel]Notifier
	logger    *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifiers: make(map[Channel]Notifier),
		logger:    logger,
	}
}

// Register adds a notifier, replacing any previous one on the same channel.
func (d *Dispatcher) Register(n Notifier) {
	d.notifiers[n.Channel()] = n
}

// Len returns the number of registered notifiers.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// Send delivers msg on every channel. Failures are collected, not short-circuited.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	channels := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var errs []error
	for _, ch := range channels {
		if err := d.notifiers[ch].Send(ctx, msg); err != nil {
			d.logger.Error("notification failed", "channel", ch, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		d.logger.Info("notification sent", "channel", ch, "title", msg.Title)
	}
	return errors.Join(errs...)
}

// LogNotifier writes messages to a logger. Useful when no webhook is set.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs at Warn or Error.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Channel() Channel { return ChannelLog }

func (l *LogNotifier) Send(ctx context.Context, msg Message) error {
	attrs := []any{"title", msg.Title, "body", msg.Body}
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, msg.Fields[k])
	}
	if msg.Level == LevelError {
		l.logger.ErrorContext(ctx, "alert", attrs...)
	} else {
		l.logger.WarnContext(ctx, "alert", attrs...)
	}
	return nil
}
