package masterfsm

// Result reports what FSM.Step or BusScan.Step did with the datagram handed
// to it, mirroring slavefsm.Result's shape for the master-level cycle.
type Result int

const (
	// ResultPending means the datagram is still in flight.
	ResultPending Result = iota
	// ResultConsumed means the step rebuilt dg into a new request; the
	// caller should re-queue it.
	ResultConsumed
	// ResultDone means a bus scan just finished (successfully or not).
	ResultDone
	// ResultIdle means there is nothing to do this cycle (no scan running,
	// slave count unchanged) and dg was left untouched.
	ResultIdle
)
