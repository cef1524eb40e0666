package notify

import (
	"context"
	"errors"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"go.uber.org/zap"
)

// Payload is a rendered delivery for one recipient. Batched entries share one payload.
type Payload struct {
	UserID   string
	Type     Type
	Subject  string
	Markdown string
	HTML     string
	EntryIDs []string
	Methods  []string
}

// ChannelSender is the only egress for notifications.
type ChannelSender interface {
	Send(ctx context.Context, payload Payload) error
}

// SenderFunc adapts a function to ChannelSender.
type SenderFunc func(ctx context.Context, payload Payload) error

func (f SenderFunc) Send(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}

// RouterSender delivers through the recipient's enabled methods and succeeds
// when any of them accepts the payload. When every method failed only because
// the recipient was offline, the offline channel takes the payload; the entry
// stays readable from the recipient's inbox.
type RouterSender struct {
	channels map[string]ChannelSender
	fallback []string
	offline  ChannelSender
}

// NewRouterSender routes by method name. Fallback methods are used when the
// payload names none.
func NewRouterSender(channels map[string]ChannelSender, fallback ...string) *RouterSender {
	copied := make(map[string]ChannelSender, len(channels))
	for method, sender := range channels {
		if sender != nil {
			copied[method] = sender
		}
	}
	return &RouterSender{channels: copied, fallback: append([]string(nil), fallback...)}
}

// WithOfflineChannel sets the channel used for recipients that are offline on
// every method.
func (r *RouterSender) WithOfflineChannel(sender ChannelSender) *RouterSender {
	r.offline = sender
	return r
}

func (r *RouterSender) Send(ctx context.Context, payload Payload) error {
	methods := payload.Methods
	if len(methods) == 0 {
		methods = r.fallback
	}
	var failures []error
	attempted := 0
	for _, method := range methods {
		sender, ok := r.channels[method]
		if !ok {
			continue
		}
		attempted++
		err := sender.Send(ctx, payload)
		if err == nil {
			return nil
		}
		failures = append(failures, err)
	}
	if attempted == 0 {
		return apperr.Wrap(apperr.ErrDeliveryFailed, "no configured channel for methods %v", methods)
	}
	if r.offline != nil && allOffline(failures) {
		return r.offline.Send(ctx, payload)
	}
	return errors.Join(append([]error{apperr.ErrDeliveryFailed}, failures...)...)
}

func allOffline(failures []error) bool {
	for _, failure := range failures {
		if !errors.Is(failure, ErrRecipientOffline) {
			return false
		}
	}
	return len(failures) > 0
}

// LogSender writes payloads to the service log.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender wraps the logger as a channel.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = noOpLogger
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, payload Payload) error {
	s.logger.Info("notification delivered",
		zap.String("user_id", payload.UserID),
		zap.String("type", string(payload.Type)),
		zap.String("subject", payload.Subject),
		zap.Int("entries", len(payload.EntryIDs)))
	return nil
}
