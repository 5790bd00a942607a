package dc

// Result reports what Monitor.Step did with the datagram handed to it,
// the same three-way shape slavefsm.Result and masterfsm.Result use for
// their own steppers.
type Result int

const (
	// ResultPending means the datagram is still in flight.
	ResultPending Result = iota
	// ResultConsumed means the step rebuilt dg into a new request; the
	// caller should re-queue it.
	ResultConsumed
	// ResultIdle means no DC-capable slave needs sweeping this cycle.
	ResultIdle
)
