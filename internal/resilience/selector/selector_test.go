package selector

import (
	"errors"
	"testing"
)

func TestRoundRobinSkipsIneligible(t *testing.T) {
	s := New(StrategyRoundRobin, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected},
		{Name: "b", State: "FAILED"},
		{Name: "c", State: ConnConnected},
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		name, err := s.Select(candidates, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[name] = true
		if name == "b" {
			t.Fatalf("round-robin selected ineligible candidate b")
		}
	}
	if !seen["a"] || !seen["c"] {
		t.Fatalf("expected round-robin to rotate through both eligible candidates, got %v", seen)
	}
}

func TestNoneAvailable(t *testing.T) {
	s := New(StrategyRoundRobin, false)
	candidates := []Candidate{{Name: "a", State: ConnDegraded}}
	if _, err := s.Select(candidates, ""); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestDegradedToggle(t *testing.T) {
	candidates := []Candidate{{Name: "a", State: ConnDegraded}}

	s := New(StrategyRoundRobin, true)
	if _, err := s.Select(candidates, ""); err != nil {
		t.Fatalf("expected degraded candidate eligible when toggle on: %v", err)
	}

	s = New(StrategyRoundRobin, false)
	if _, err := s.Select(candidates, ""); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected degraded candidate ineligible when toggle off, got %v", err)
	}
}

func TestPreferredAlwaysWinsWhenEligible(t *testing.T) {
	s := New(StrategyLeastConnections, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, InFlight: 0},
		{Name: "b", State: ConnConnected, InFlight: 10},
	}
	name, err := s.Select(candidates, "b")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name != "b" {
		t.Fatalf("expected preferred upstream b to win, got %s", name)
	}
}

func TestLeastConnections(t *testing.T) {
	s := New(StrategyLeastConnections, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, InFlight: 3},
		{Name: "b", State: ConnConnected, InFlight: 1},
		{Name: "c", State: ConnConnected, InFlight: 2},
	}
	name, err := s.Select(candidates, "")
	if err != nil || name != "b" {
		t.Fatalf("expected b (fewest in-flight), got %s, err %v", name, err)
	}
}

func TestLeastResponseTime(t *testing.T) {
	s := New(StrategyLeastResponseTime, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, AverageLatencyMS: 50},
		{Name: "b", State: ConnConnected, AverageLatencyMS: 10},
	}
	name, err := s.Select(candidates, "")
	if err != nil || name != "b" {
		t.Fatalf("expected b (lowest latency), got %s, err %v", name, err)
	}
}

func TestHealthWeightedFallsBackWhenAllZero(t *testing.T) {
	s := New(StrategyHealthWeighted, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, FailureRate: 1},
		{Name: "b", State: ConnConnected, FailureRate: 1},
	}
	name, err := s.Select(candidates, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name != "a" && name != "b" {
		t.Fatalf("unexpected selection %s", name)
	}
}

func TestHealthWeightedPrefersHealthier(t *testing.T) {
	s := New(StrategyHealthWeighted, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, FailureRate: 0},
		{Name: "b", State: ConnConnected, FailureRate: 1},
	}
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		name, err := s.Select(candidates, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[name]++
	}
	if counts["b"] != 0 {
		t.Fatalf("expected zero-weight candidate b to never be picked, got %d", counts["b"])
	}
	if counts["a"] != 200 {
		t.Fatalf("expected full-weight candidate a to be picked every time, got %d", counts["a"])
	}
}

func TestInFlightCeilingExcludesCandidate(t *testing.T) {
	s := New(StrategyRoundRobin, true)
	candidates := []Candidate{
		{Name: "a", State: ConnConnected, InFlight: 5, InFlightCeiling: 5},
		{Name: "b", State: ConnConnected, InFlight: 1, InFlightCeiling: 5},
	}
	for i := 0; i < 4; i++ {
		name, err := s.Select(candidates, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if name != "b" {
			t.Fatalf("expected ceiling-saturated candidate a to be excluded, got %s", name)
		}
	}
}
