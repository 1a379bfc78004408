package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openregistry/concierge/pkg/engine"
)

// Event is a notable change in the life of a lot.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// LotID is the associated lot, if applicable.
	LotID string `json:"lot_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeLotActivated   = "lot.activated"
	EventTypeLotPending     = "lot.pending"
	EventTypeLotDissolved   = "lot.dissolved"
	EventTypeLotCompensated = "lot.compensated"
	EventTypeLotBroken      = "lot.broken"
	EventTypeLotRecovered   = "lot.recovered"
	EventTypeFeedFailed     = "feed.failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers from a single goroutine. It
// implements engine.Observer so the engine never blocks on delivery.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
	dropped     int
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep
	}

	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})

	ep.wg.Add(1)
	go ep.processEvents()

	return ep
}

// Publish queues an event for delivery.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		ep.mu.Lock()
		ep.dropped++
		ep.mu.Unlock()
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Dropped returns the number of events lost to a full buffer.
func (ep *EventPublisher) Dropped() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			// Drain what was queued before shutdown.
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

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

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

// LotProcessed publishes the event matching a lot outcome. Skipped and
// duplicate lots produce no event.
func (ep *EventPublisher) LotProcessed(result engine.Result) {
	event := Event{
		LotID: result.LotID,
		Level: EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  string(result.Outcome),
			"replayed": result.Replayed,
			"duration": result.Duration.Seconds(),
		},
	}

	switch result.Outcome {
	case engine.OutcomeActiveSalable:
		event.Type = EventTypeLotActivated
		event.Message = fmt.Sprintf("Lot %s is active.salable", result.LotID)
	case engine.OutcomePending:
		event.Type = EventTypeLotPending
		event.Message = fmt.Sprintf("Lot %s returned to pending", result.LotID)
	case engine.OutcomeDissolved:
		event.Type = EventTypeLotDissolved
		event.Message = fmt.Sprintf("Lot %s dissolved", result.LotID)
	case engine.OutcomeCompensated:
		event.Type = EventTypeLotCompensated
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Lot %s rolled back while %s", result.LotID, result.Stage)
		event.Data["stage"] = string(result.Stage)
	case engine.OutcomeBroken:
		event.Type = EventTypeLotBroken
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Lot %s broken while %s", result.LotID, result.Stage)
		event.Data["stage"] = string(result.Stage)
	default:
		return
	}

	if result.Replayed && !result.IsBroken() {
		recovered := event
		recovered.Type = EventTypeLotRecovered
		recovered.Message = fmt.Sprintf("Broken lot %s recovered", result.LotID)
		_ = ep.Publish(recovered)
	}
	_ = ep.Publish(event)
}

// PatchAttempted is not published.
func (ep *EventPublisher) PatchAttempted(engine.ResourceType, string, error, int) {}

// FeedPolled publishes feed failures.
func (ep *EventPublisher) FeedPolled(_ int, err error) {
	if err == nil {
		return
	}
	_ = ep.Publish(Event{
		Type:    EventTypeFeedFailed,
		Level:   EventLevelError,
		Message: fmt.Sprintf("Change feed poll failed: %v", err),
	})
}

// LedgerSize is not published.
func (ep *EventPublisher) LedgerSize(int) {}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// JSONLinesSubscriber writes each event as one JSON line to w.
func JSONLinesSubscriber(w io.Writer) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(event)
	}
}

var _ engine.Observer = (*EventPublisher)(nil)
