package patientrecord

// State is the lifecycle position of one request. It exists only for the
// lifetime of the request and is never persisted.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateProvidersResolved
	StateFanOutInFlight
	StateAggregated
	StateEnriched
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateReceived:          "Received",
	StateValidated:         "Validated",
	StateProvidersResolved: "ProvidersResolved",
	StateFanOutInFlight:    "FanOutInFlight",
	StateAggregated:        "Aggregated",
	StateEnriched:          "Enriched",
	StateCompleted:         "Completed",
	StateFailed:            "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// next lists the legal successors of each state. Failed is reachable only
// before providers are resolved; a partial failure after fan-out still
// completes.
var next = map[State][]State{
	StateReceived:          {StateValidated, StateFailed},
	StateValidated:         {StateProvidersResolved, StateFailed},
	StateProvidersResolved: {StateFanOutInFlight},
	StateFanOutInFlight:    {StateAggregated},
	StateAggregated:        {StateEnriched},
	StateEnriched:          {StateCompleted},
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, n := range next[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the request.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
