// Package events provides an in-process notification bus for pipeline run
// progress. The orchestrator publishes; metrics, the HTTP layer and tests
// subscribe.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/cohortflow/cohortflow/pkg/types"
	"github.com/google/uuid"
)

// Kind represents the type of an event.
type Kind int

const (
	// RunAdvanced is published on every state transition of a run.
	RunAdvanced Kind = iota
	// StageFinished is published when a stage attempt ends.
	StageFinished
	// RunClosed is published once every cleanup of a run is verified.
	RunClosed
)

func (k Kind) String() string {
	switch k {
	case RunAdvanced:
		return "run_advanced"
	case StageFinished:
		return "stage_finished"
	case RunClosed:
		return "run_closed"
	default:
		return "unknown"
	}
}

// Event describes one change to a pipeline run.
type Event struct {
	Kind         Kind
	RunID        string
	SubmissionID string
	CohortID     string
	From         types.PipelineState
	To           types.PipelineState
	Stage        types.StageName
	Outcome      types.StageOutcome
	Timestamp    int64
}

// Key is the value subscriber filters are matched against: cohort/submission.
func (e Event) Key() string {
	return e.CohortID + "/" + e.SubmissionID
}

// Notifier provides an in-process pub/sub bus for run events.
type Notifier struct {
	// mu orders Unsubscribe's close after any in-flight send
	mu          sync.RWMutex
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	key := ev.Key()
	n.mu.RLock()
	defer n.mu.RUnlock()
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(key) {
			select {
			case sub.Ch <- ev:
			default:
				// full, drop
			}
		}
		return true
	})
}

// Subscribe adds a subscriber with the given id. Filters are key prefixes
// such as "cohort/" or "cohort/submission"; none means every event.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Event, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a subscriber with a generated id.
func (n *Notifier) SubscribeAutoID(filters ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), filters)
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// Subscriber represents an event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}

func (s *Subscriber) matches(key string) bool {
	if len(s.Filters) == 0 {
		return true
	}
	for _, f := range s.Filters {
		if f == "" || strings.HasPrefix(key, f) {
			return true
		}
	}
	return false
}
