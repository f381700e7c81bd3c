package fleet

// MetricsSink receives the fleet manager's operational signals for
// export to an observability backend. Implementations must be safe for
// concurrent use; the manager calls these from request-path and
// background-loop goroutines alike.
type MetricsSink interface {
	// ObserveDispatch records one completed CallTool/ReadResource
	// dispatch: op is "call_tool" or "read_resource", status is
	// "ok"/"error", durationSeconds is wall time from Submit to result.
	ObserveDispatch(op, upstream, status string, durationSeconds float64)
	// SetUpstreamState reports a connection's current state string
	// (matching connection.State's values) after every transition.
	SetUpstreamState(upstream, state string)
	// SetQueueDepth reports the dispatch queue's current depth.
	SetQueueDepth(depth int)
	// IncRecoveryAttempt counts one recovery attempt outcome.
	IncRecoveryAttempt(upstream string, recovered bool)
	// IncAlert counts one alert raised, by kind.
	IncAlert(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(string, string, string, float64) {}
func (noopMetrics) SetUpstreamState(string, string)                 {}
func (noopMetrics) SetQueueDepth(int)                               {}
func (noopMetrics) IncRecoveryAttempt(string, bool)                 {}
func (noopMetrics) IncAlert(string)                                 {}

// NoopMetrics discards every signal; it is the Manager's default sink
// until a caller supplies one via WithMetrics.
var NoopMetrics MetricsSink = noopMetrics{}
