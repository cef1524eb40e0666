package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
)

const defaultStreamBuffer = 16

// ErrRecipientOffline reports a stream delivery to a user with no open stream.
var ErrRecipientOffline = errors.New("notify: recipient has no live stream")

// StreamEvent is what live subscribers receive.
type StreamEvent struct {
	UserID    string
	Type      Type
	Subject   string
	Markdown  string
	HTML      string
	EntryIDs  []string
	Timestamp time.Time
}

// StreamSender fans payloads out to live per-user subscribers.
type StreamSender struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type streamSubscriber struct {
	id     int64
	stream chan StreamEvent
}

// NewStreamSender constructs an empty subscriber registry.
func NewStreamSender(clock func() time.Time) *StreamSender {
	if clock == nil {
		clock = time.Now
	}
	return &StreamSender{
		subscribers: make(map[string]map[int64]*streamSubscriber),
		bufferSize:  defaultStreamBuffer,
		clock:       clock,
	}
}

// Subscribe registers a stream for the user until ctx ends or cleanup runs.
func (s *StreamSender) Subscribe(ctx context.Context, userID string) (<-chan StreamEvent, func()) {
	if userID == "" {
		ch := make(chan StreamEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &streamSubscriber{
		id:     s.nextSequence(),
		stream: make(chan StreamEvent, s.bufferSize),
	}
	s.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// SubscriberCount reports the live streams of the user.
func (s *StreamSender) SubscriberCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[userID])
}

// Send fails when no subscriber accepted the event. A user without any open
// stream yields ErrRecipientOffline.
func (s *StreamSender) Send(_ context.Context, payload Payload) error {
	s.mu.RLock()
	subscribers := s.subscribers[payload.UserID]
	copies := make([]*streamSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	s.mu.RUnlock()
	if len(copies) == 0 {
		return fmt.Errorf("%w: %w: user %s", apperr.ErrDeliveryFailed, ErrRecipientOffline, payload.UserID)
	}

	event := StreamEvent{
		UserID:    payload.UserID,
		Type:      payload.Type,
		Subject:   payload.Subject,
		Markdown:  payload.Markdown,
		HTML:      payload.HTML,
		EntryIDs:  append([]string(nil), payload.EntryIDs...),
		Timestamp: s.clock().UTC(),
	}
	delivered := 0
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return apperr.Wrap(apperr.ErrDeliveryFailed, "streams for user %s are full", payload.UserID)
	}
	return nil
}

func (s *StreamSender) nextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *StreamSender) registerSubscriber(userID string, subscriber *streamSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[userID]; !ok {
		s.subscribers[userID] = make(map[int64]*streamSubscriber)
	}
	s.subscribers[userID][subscriber.id] = subscriber
}

func (s *StreamSender) unregisterSubscriber(userID string, subscriberID int64) {
	s.mu.Lock()
	subscribers := s.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(s.subscribers, userID)
		}
	}
	s.mu.Unlock()
}
