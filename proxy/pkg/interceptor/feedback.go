package interceptor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
)

// EventKind classifies feedback events.
type EventKind int

const (
	// EventRuleMatched is published when a rule with a feedback reaction fires.
	EventRuleMatched EventKind = iota
	// EventConnectionError is published when a codec or socket error tears a
	// worker down.
	EventConnectionError
	// EventFrameDropped is published for each scheduled frame that was still
	// undelivered when its worker terminated.
	EventFrameDropped
)

func (k EventKind) String() string {
	switch k {
	case EventRuleMatched:
		return "rule-matched"
	case EventConnectionError:
		return "connection-error"
	case EventFrameDropped:
		return "frame-dropped"
	default:
		return fmt.Sprintf("event-kind-%d", int(k))
	}
}

// Event is what workers publish on the feedback channel for tests to await.
// Frame is only set for rule matches whose feedback reaction asked for it,
// and for dropped-frame events. RuleIndex is -1 when no rule was involved.
type Event struct {
	WorkerId  uuid.UUID
	Direction Direction
	Kind      EventKind
	RuleIndex int
	EventTag  string
	Frame     *Frame
	Err       error
	Timestamp time.Time
}

// FeedbackPolicy decides what a worker does when a subscriber's channel is
// full: block until there is room (the default, preserves observability) or
// drop the event and keep going.
type FeedbackPolicy int

const (
	FeedbackBlock FeedbackPolicy = iota
	FeedbackDropNewest
)

// ParseFeedbackPolicy maps the config string onto a policy value.
func ParseFeedbackPolicy(conf *config.Config) (FeedbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(conf.FeedbackPolicy)) {
	case "block":
		return FeedbackBlock, nil
	case "drop":
		return FeedbackDropNewest, nil
	default:
		return FeedbackBlock, fmt.Errorf("invalid feedback policy: %v (valid: block, drop)", conf.FeedbackPolicy)
	}
}

// FeedbackHub fans events out from all workers to every subscriber. Events
// published while there are no subscribers are discarded; the policy applies
// per subscriber channel.
type FeedbackHub struct {
	policy    FeedbackPolicy
	queueSize int

	lock        sync.RWMutex
	subscribers []chan Event
	closed      bool

	interceptorMetrics *metrics.InterceptorMetrics
}

func NewFeedbackHub(policy FeedbackPolicy, queueSize int, interceptorMetrics *metrics.InterceptorMetrics) *FeedbackHub {
	return &FeedbackHub{
		policy:             policy,
		queueSize:          queueSize,
		interceptorMetrics: interceptorMetrics,
	}
}

// Subscribe hands out a new receiver endpoint. The channel is closed when the
// proxy shuts down.
func (h *FeedbackHub) Subscribe() <-chan Event {
	h.lock.Lock()
	defer h.lock.Unlock()

	ch := make(chan Event, h.queueSize)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// publish delivers the event to every current subscriber. With the blocking
// policy a full subscriber suspends the publishing worker until there is room
// or the worker is cancelled; with the drop policy the event is counted and
// discarded instead.
func (h *FeedbackHub) publish(ctx context.Context, ev Event) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.closed {
		return
	}

	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
			continue
		default:
		}

		if h.policy == FeedbackBlock {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		} else if h.interceptorMetrics != nil {
			h.interceptorMetrics.FeedbackEventsDropped.Add(1)
		}
	}
}

// Close closes all subscriber channels. Waits for in-flight publishes;
// publishes arriving after Close are no-ops.
func (h *FeedbackHub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
