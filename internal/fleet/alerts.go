package fleet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertKind classifies the monitoring condition that raised an alert.
type AlertKind string

const (
	AlertHighErrorRate     AlertKind = "high_error_rate"
	AlertSlowResponse      AlertKind = "slow_response"
	AlertUnhealthyFraction AlertKind = "unhealthy_fraction"
	AlertConsecutiveFails  AlertKind = "consecutive_failures"
)

// Alert is a single monitoring finding raised by the periodic metrics
// sweep.
type Alert struct {
	ID       string
	Kind     AlertKind
	Upstream string
	Message  string
	RaisedAt time.Time
	Count    int
}

// alertKey coalesces repeated alerts of the same kind against the same
// upstream into a single bumped entry instead of growing the ring
// buffer unboundedly during a sustained condition.
type alertKey struct {
	upstream string
	kind     AlertKind
}

// alertRing is a bounded, coalescing buffer of recent alerts, kept for
// the status snapshot and admin API.
type alertRing struct {
	mu       sync.Mutex
	capacity int
	order    []string // alert IDs, oldest first
	byID     map[string]*Alert
	byKey    map[alertKey]string // most recent alert ID for a (upstream, kind) pair
}

func newAlertRing(capacity int) *alertRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &alertRing{
		capacity: capacity,
		byID:     make(map[string]*Alert),
		byKey:    make(map[alertKey]string),
	}
}

// Raise records a new alert, or — if an alert of the same kind against
// the same upstream is still the most recent entry — bumps its count
// and timestamp instead of adding a duplicate.
func (r *alertRing) Raise(upstream string, kind AlertKind, message string) Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := alertKey{upstream: upstream, kind: kind}
	if id, ok := r.byKey[key]; ok {
		if a, ok := r.byID[id]; ok {
			a.Count++
			a.RaisedAt = time.Now()
			a.Message = message
			return *a
		}
	}

	a := &Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Upstream: upstream,
		Message:  message,
		RaisedAt: time.Now(),
		Count:    1,
	}
	r.byID[a.ID] = a
	r.byKey[key] = a.ID
	r.order = append(r.order, a.ID)

	if len(r.order) > r.capacity {
		evictID := r.order[0]
		r.order = r.order[1:]
		if evicted, ok := r.byID[evictID]; ok {
			evictedKey := alertKey{upstream: evicted.Upstream, kind: evicted.Kind}
			if r.byKey[evictedKey] == evictID {
				delete(r.byKey, evictedKey)
			}
		}
		delete(r.byID, evictID)
	}

	return *a
}

// List returns a snapshot of all retained alerts, oldest first.
func (r *alertRing) List() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, 0, len(r.order))
	for _, id := range r.order {
		if a, ok := r.byID[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}
