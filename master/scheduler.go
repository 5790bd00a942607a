package master

import (
	"fmt"
	"sync"

	"github.com/samsamfire/goethercat/extring"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/request"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/slavefsm"
)

const defaultDatagramSize = 256

// requestProtocols is the order Scheduler.startWork checks request.Queue
// for a slave's next piece of application-submitted work, once no pending
// configuration work is installed for it.
var requestProtocols = []request.Protocol{
	request.ProtocolCoE,
	request.ProtocolSoE,
	request.ProtocolFoE,
	request.ProtocolALState,
	request.ProtocolMailbox,
}

// unit is one slave FSM currently occupying Scheduler's execution list —
// either servicing a popped request.Request or an internally-triggered
// configuration sequence.
type unit struct {
	slave   *slave.Slave
	fsm     *slavefsm.FSM
	dg      *frame.Datagram
	req     *request.Request
	stepper slavefsm.Stepper
	onDone  func(err error)
}

// pendingConfig is installed by ScheduleConfig and picked up the next time
// the slave's FSM goes idle and its round-robin turn comes up.
type pendingConfig struct {
	stepper slavefsm.Stepper
	onDone  func(err error)
}

// Scheduler unifies request-driven protocol work and slave-configuration
// work onto one round-robin execution list: a slave's per-slave FSM
// advances whichever sub-machine currently occupies it,
// whether that is a CoE/SoE/FoE transfer an application thread is waiting
// on or a PDO-assign/AL-state configuration sequence the master started on
// its own. Grounded on masterfsm.FSM's scan-step round robin, generalized
// from "advance the bus scan" to "advance whichever slave is due."
type Scheduler struct {
	mu sync.Mutex

	slaves  []*slave.Slave
	fsms    map[*slave.Slave]*slavefsm.FSM
	pending map[*slave.Slave]pendingConfig

	queue *request.Queue
	ring  *extring.Ring

	pos  int
	exec []*unit
}

func NewScheduler(queue *request.Queue, ring *extring.Ring) *Scheduler {
	return &Scheduler{
		queue:   queue,
		ring:    ring,
		fsms:    make(map[*slave.Slave]*slavefsm.FSM),
		pending: make(map[*slave.Slave]pendingConfig),
	}
}

// SetSlaves replaces the slave list the scheduler round-robins over,
// lazily creating a slavefsm.FSM for any slave not already known (e.g.
// after a rescan discovers new ring members). Slaves that dropped off the
// bus keep their FSM around harmlessly; masterfsm owns the authoritative
// slave list and SetSlaves is always called with it in full.
func (sch *Scheduler) SetSlaves(slaves []*slave.Slave) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.slaves = slaves
	for _, s := range slaves {
		if _, ok := sch.fsms[s]; !ok {
			sch.fsms[s] = slavefsm.New(s)
		}
	}
}

// ScheduleConfig installs a configuration sub-machine to run against sl
// the next time its FSM is idle and comes up for its round-robin turn.
// Only one pending configuration may be installed per slave at a time; a
// later call replaces an earlier one that has not yet started.
func (sch *Scheduler) ScheduleConfig(sl *slave.Slave, stepper slavefsm.Stepper, onDone func(err error)) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.pending[sl] = pendingConfig{stepper: stepper, onDone: onDone}
}

// Advance runs one cycle of the scheduler: every unit already in the
// execution list is stepped, and — while there is room and an unvisited
// slave remains this cycle — new work is picked up round-robin.
func (sch *Scheduler) Advance() error {
	sch.mu.Lock()
	exec := sch.exec
	sch.mu.Unlock()

	kept := exec[:0]
	for _, u := range exec {
		res, err := u.fsm.Step(u.dg)
		switch res {
		case slavefsm.ResultPending:
			kept = append(kept, u)
		case slavefsm.ResultConsumed:
			if err := sch.ring.Stage(u.dg); err != nil {
				return err
			}
			if err := sch.ring.Commit(); err != nil {
				return err
			}
			kept = append(kept, u)
		case slavefsm.ResultDone, slavefsm.ResultError:
			sch.finish(u, err)
		}
	}

	sch.mu.Lock()
	sch.exec = kept
	sch.mu.Unlock()

	return sch.fillRoundRobin()
}

// fillRoundRobin picks up new work for idle slaves until the execution
// list reaches half the ring's capacity (leaving headroom for the ring's
// other non-RT producers, e.g. dc.Monitor) or every slave has been
// considered once this call.
func (sch *Scheduler) fillRoundRobin() error {
	sch.mu.Lock()
	slaves := sch.slaves
	max := sch.ring.Capacity() / 2
	if max < 1 {
		max = 1
	}
	sch.mu.Unlock()

	if len(slaves) == 0 {
		return nil
	}

	for visited := 0; visited < len(slaves); visited++ {
		sch.mu.Lock()
		if len(sch.exec) >= max {
			sch.mu.Unlock()
			return nil
		}
		if sch.pos >= len(sch.slaves) {
			sch.pos = 0
		}
		if len(sch.slaves) == 0 {
			sch.mu.Unlock()
			return nil
		}
		sl := sch.slaves[sch.pos]
		sch.pos++
		fsm := sch.fsms[sl]
		sch.mu.Unlock()

		if fsm == nil || !fsm.Idle() {
			continue
		}
		if err := sch.startWork(sl, fsm); err != nil {
			return err
		}
	}
	return nil
}

// startWork finds the next thing sl should do — a pending configuration
// sequence first, otherwise the oldest queued application request across
// requestProtocols in order — and launches it.
func (sch *Scheduler) startWork(sl *slave.Slave, fsm *slavefsm.FSM) error {
	sch.mu.Lock()
	cfg, hasCfg := sch.pending[sl]
	if hasCfg {
		delete(sch.pending, sl)
	}
	sch.mu.Unlock()

	if hasCfg {
		return sch.launch(sl, fsm, cfg.stepper, nil, cfg.onDone)
	}

	for _, proto := range requestProtocols {
		req := sch.queue.Pop(sl, proto)
		if req == nil {
			continue
		}
		stepper, err := buildStepper(req)
		if err != nil {
			sch.queue.Finish(req, nil, err)
			continue
		}
		return sch.launch(sl, fsm, stepper, req, nil)
	}
	return nil
}

// launch installs stepper on fsm, lazily allocating the slave's
// persistent FSM datagram, and runs the first Step immediately so the
// common case (ResultConsumed on the very first call) stages into the
// ring within the same cycle it was picked up.
func (sch *Scheduler) launch(sl *slave.Slave, fsm *slavefsm.FSM, stepper slavefsm.Stepper, req *request.Request, onDone func(err error)) error {
	dg := sl.FSMDatagram
	if dg == nil {
		var err error
		dg, err = frame.New(frame.CommandNOP, 0, 0, defaultDatagramSize)
		if err != nil {
			return err
		}
		sl.FSMDatagram = dg
	}
	dg.Reset()
	fsm.Run(stepper)

	u := &unit{slave: sl, fsm: fsm, dg: dg, req: req, stepper: stepper, onDone: onDone}
	res, err := fsm.Step(dg)
	switch res {
	case slavefsm.ResultConsumed, slavefsm.ResultPending:
		if res == slavefsm.ResultConsumed {
			if err := sch.ring.Stage(dg); err != nil {
				return err
			}
			if err := sch.ring.Commit(); err != nil {
				return err
			}
		}
		sch.mu.Lock()
		sch.exec = append(sch.exec, u)
		sch.mu.Unlock()
	case slavefsm.ResultDone, slavefsm.ResultError:
		sch.finish(u, err)
	}
	return nil
}

func (sch *Scheduler) finish(u *unit, err error) {
	if u.req != nil {
		sch.queue.Finish(u.req, resultFor(u.slave, u.req.Protocol, u.stepper), err)
		return
	}
	if u.onDone != nil {
		u.onDone(err)
	}
}

// Abort reclaims a unit whose datagram the engine timed out, failing its
// request (if any) or invoking its onDone callback with err, and removing
// it from the execution list.
func (sch *Scheduler) Abort(dg *frame.Datagram, err error) bool {
	sch.mu.Lock()
	var found *unit
	kept := sch.exec[:0]
	for _, u := range sch.exec {
		if u.dg == dg {
			found = u
			continue
		}
		kept = append(kept, u)
	}
	sch.exec = kept
	sch.mu.Unlock()

	if found == nil {
		return false
	}
	found.fsm.Abort(err)
	sch.finish(found, err)
	return true
}

// buildStepper turns a request.Request's Protocol+Params into a concrete
// slavefsm.Stepper. master is the only package that knows this mapping —
// request itself stays protocol-agnostic.
func buildStepper(req *request.Request) (slavefsm.Stepper, error) {
	switch req.Protocol {
	case request.ProtocolCoE:
		p, ok := req.Params.(sdoParams)
		if !ok {
			return nil, fmt.Errorf("master: bad params for ProtocolCoE request")
		}
		if p.data != nil {
			return slavefsm.NewCoEDownload(req.Slave, p.index, p.subindex, p.data)
		}
		return slavefsm.NewCoEUpload(req.Slave, p.index, p.subindex)
	case request.ProtocolSoE:
		p, ok := req.Params.(idnParams)
		if !ok {
			return nil, fmt.Errorf("master: bad params for ProtocolSoE request")
		}
		if p.data != nil {
			return slavefsm.NewSoEWrite(req.Slave, p.driveNo, p.idn, p.data)
		}
		return slavefsm.NewSoERead(req.Slave, p.driveNo, p.idn)
	case request.ProtocolFoE:
		p, ok := req.Params.(foeParams)
		if !ok {
			return nil, fmt.Errorf("master: bad params for ProtocolFoE request")
		}
		if p.data != nil {
			return slavefsm.NewFoEWrite(req.Slave, p.filename, p.password, p.data)
		}
		return slavefsm.NewFoERead(req.Slave, p.filename, p.password)
	case request.ProtocolALState:
		p, ok := req.Params.(alStateParams)
		if !ok {
			return nil, fmt.Errorf("master: bad params for ProtocolALState request")
		}
		return slavefsm.NewALStateTransition(req.Slave, p.want), nil
	case request.ProtocolMailbox:
		p, ok := req.Params.(mbgParams)
		if !ok {
			return nil, fmt.Errorf("master: bad params for ProtocolMailbox request")
		}
		return slavefsm.NewMBGForward(req.Slave, p.frame), nil
	default:
		return nil, fmt.Errorf("master: unsupported request protocol %d", req.Protocol)
	}
}

// resultFor extracts the protocol-specific result payload out of the
// slave's inbox/client (for CoE/SoE/FoE) or the stepper itself (for the
// MBG forward's reply), once a unit has finished. AL-state transitions
// carry no result payload beyond success/failure. stepper must be the
// same value the unit was launched with — read before the FSM drops its
// reference to it.
func resultFor(sl *slave.Slave, protocol request.Protocol, stepper slavefsm.Stepper) any {
	switch protocol {
	case request.ProtocolCoE:
		return append([]byte(nil), sl.CoE.Data()...)
	case request.ProtocolSoE:
		return append([]byte(nil), sl.SoE.Data()...)
	case request.ProtocolFoE:
		return append([]byte(nil), sl.FoE.Data()...)
	case request.ProtocolMailbox:
		if mbg, ok := stepper.(*slavefsm.MBGForward); ok {
			return append([]byte(nil), mbg.Reply...)
		}
		return nil
	default:
		return nil
	}
}
