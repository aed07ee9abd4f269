package registry

// Lifecycle is a typed actor lifecycle state (spec.md §3), generalized from
// the teacher's VM instance-state machine (hive/vm/state.go's
// InstanceState + ValidTransitions) to the actor lifecycle this runtime
// actually has.
type Lifecycle string

const (
	// Nonexistent means no persisted state exists for this actor id.
	Nonexistent Lifecycle = "NONEXISTENT"
	// Awake means the actor has persisted state and, if loaded, is not
	// currently sleeping or stopping.
	Awake Lifecycle = "AWAKE"
	// StartingSleep means a sleepActor transition is in flight; no new
	// create/start/write is admitted until it resolves.
	StartingSleep Lifecycle = "STARTING_SLEEP"
	// StartingDestroy means a destroyActor transition is in flight.
	StartingDestroy Lifecycle = "STARTING_DESTROY"
	// Destroyed means the actor was destroyed; the entry is retained (not
	// evicted) so a stale create/write cannot resurrect it.
	Destroyed Lifecycle = "DESTROYED"
)

// ValidTransitions enumerates the lifecycle transitions spec.md §3/§4.C
// allow. Symmetric to hive/vm/state.go's ValidTransitions table.
var ValidTransitions = map[Lifecycle][]Lifecycle{
	Nonexistent:     {Awake},
	Awake:           {StartingSleep, StartingDestroy},
	StartingSleep:   {Nonexistent},
	StartingDestroy: {Destroyed},
	Destroyed:       {Nonexistent},
}

// IsValidTransition reports whether moving from current to target is
// allowed.
func IsValidTransition(current, target Lifecycle) bool {
	for _, t := range ValidTransitions[current] {
		if t == target {
			return true
		}
	}
	return false
}

// Stopping reports whether l is one of the two in-flight stop states, in
// which no new create, start, or write is admitted (spec.md invariant 2).
func (l Lifecycle) Stopping() bool {
	return l == StartingSleep || l == StartingDestroy
}
