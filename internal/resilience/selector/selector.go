// Package selector implements the load balancer (C6): given a set of
// candidate connections and their live statistics, it picks one
// eligible connection per strategy, or reports that none are available.
package selector

import (
	"errors"
	"math/rand"
	"sync/atomic"
)

// Strategy names the selection rule, per spec §4.6.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round-robin"
	StrategyLeastConnections  Strategy = "least-connections"
	StrategyLeastResponseTime Strategy = "least-response-time"
	StrategyHealthWeighted    Strategy = "health-weighted"
	StrategyRandom            Strategy = "random"
)

// ConnState is the subset of the resilient connection's state machine
// relevant to eligibility.
type ConnState string

const (
	ConnConnected ConnState = "CONNECTED"
	ConnDegraded  ConnState = "DEGRADED"
)

// Candidate is a point-in-time view of one connection's eligibility
// inputs. The selector never mutates connection state; callers supply a
// fresh snapshot per Select call.
type Candidate struct {
	Name             string
	State            ConnState
	InFlight         int
	InFlightCeiling  int
	AverageLatencyMS float64
	FailureRate      float64 // in [0,1], failed share of the operations the caller counted
}

// ErrNoneAvailable is returned by Select when no candidate is eligible.
var ErrNoneAvailable = errors.New("no eligible upstream available")

// Selector picks among eligible candidates per its configured strategy.
// It is safe for concurrent use.
type Selector struct {
	strategy        Strategy
	allowDegraded   bool
	roundRobinIndex atomic.Uint64
}

// New creates a Selector. allowDegraded controls whether DEGRADED
// connections are eligible for selection (the config toggle named in
// spec §4.6's eligibility predicate).
func New(strategy Strategy, allowDegraded bool) *Selector {
	return &Selector{strategy: strategy, allowDegraded: allowDegraded}
}

func (s *Selector) eligible(c Candidate) bool {
	switch c.State {
	case ConnConnected:
	case ConnDegraded:
		if !s.allowDegraded {
			return false
		}
	default:
		return false
	}
	if c.InFlightCeiling > 0 && c.InFlight >= c.InFlightCeiling {
		return false
	}
	return true
}

// Select picks a candidate from candidates. If preferred is non-empty
// and names an eligible candidate, it is always chosen regardless of
// strategy.
func (s *Selector) Select(candidates []Candidate, preferred string) (string, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if s.eligible(c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return "", ErrNoneAvailable
	}

	if preferred != "" {
		for _, c := range eligible {
			if c.Name == preferred {
				return c.Name, nil
			}
		}
	}

	switch s.strategy {
	case StrategyLeastConnections:
		return s.leastConnections(eligible), nil
	case StrategyLeastResponseTime:
		return s.leastResponseTime(eligible), nil
	case StrategyHealthWeighted:
		return s.healthWeighted(eligible), nil
	case StrategyRandom:
		return eligible[rand.Intn(len(eligible))].Name, nil
	default:
		return s.roundRobin(eligible), nil
	}
}

func (s *Selector) roundRobin(eligible []Candidate) string {
	i := s.roundRobinIndex.Add(1) - 1
	return eligible[int(i%uint64(len(eligible)))].Name
}

func (s *Selector) leastConnections(eligible []Candidate) string {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.InFlight < best.InFlight || (c.InFlight == best.InFlight && c.AverageLatencyMS < best.AverageLatencyMS) {
			best = c
		}
	}
	return best.Name
}

func (s *Selector) leastResponseTime(eligible []Candidate) string {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.AverageLatencyMS < best.AverageLatencyMS || (c.AverageLatencyMS == best.AverageLatencyMS && c.InFlight < best.InFlight) {
			best = c
		}
	}
	return best.Name
}

func (s *Selector) healthWeighted(eligible []Candidate) string {
	weights := make([]float64, len(eligible))
	var total float64
	for i, c := range eligible {
		w := 1 - c.FailureRate
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return s.roundRobin(eligible)
	}
	pick := rand.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if pick < cumulative {
			return eligible[i].Name
		}
	}
	return eligible[len(eligible)-1].Name
}
