package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event overlay.Event)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event overlay.Event) bool

// EventPublisher fans lifecycle events out to in-process subscribers. It
// implements overlay.Journal so it can sit next to the durable store.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan overlay.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ overlay.Journal = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan overlay.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Record implements overlay.Journal.
func (ep *EventPublisher) Record(_ context.Context, event overlay.Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event for %s dropped", event.Kind, event.Instance)
	}
}

// Subscribe adds a new event subscriber. A nil filter matches every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers, in subscription order.
func (ep *EventPublisher) deliverEvent(event overlay.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering what is already buffered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByInstance only allows events for one instance.
func FilterByInstance(name string) EventFilter {
	return func(event overlay.Event) bool {
		return event.Instance == name
	}
}

// FilterByKind only allows events of the given kinds.
func FilterByKind(kinds ...overlay.EventKind) EventFilter {
	set := make(map[overlay.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(event overlay.Event) bool {
		return set[event.Kind]
	}
}

// LogSubscriber writes every event to logger, failures at warn level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event overlay.Event) {
		level := zerolog.InfoLevel
		if event.Error != "" {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).
			Str("error", event.Error).
			Str("instance", event.Instance).
			Str("kind", string(event.Kind)).
			Str("path", event.Path).
			Int("handle", event.Handle).
			Time("at", event.Timestamp).
			Msg("overlay event")
	}
}

// Tee records every event in each journal in order. All journals are tried;
// their errors are joined.
func Tee(journals ...overlay.Journal) overlay.Journal {
	return tee(journals)
}

type tee []overlay.Journal

func (t tee) Record(ctx context.Context, event overlay.Event) error {
	var errs []error
	for _, j := range t {
		if j == nil {
			continue
		}
		if err := j.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
