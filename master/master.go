// Package master implements the application API: Master aggregates the
// datagram engine, external ring, master FSM, distributed
// clock plumbing, phase controller and request queue into the single
// object an application program drives, the way pkg/network.Network
// aggregates a BusManager/NMT/SDO client set into one object a CANopen
// application drives.
package master

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/dc"
	"github.com/samsamfire/goethercat/engine"
	"github.com/samsamfire/goethercat/extring"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/gateway"
	"github.com/samsamfire/goethercat/link"
	"github.com/samsamfire/goethercat/mailbox"
	"github.com/samsamfire/goethercat/masterfsm"
	"github.com/samsamfire/goethercat/phase"
	"github.com/samsamfire/goethercat/request"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/slavefsm"
)

const masterFSMDatagramSize = 16

var ErrNotActive = errors.New("master: not in operation phase")

// Master aggregates every subsystem an application drives directly:
// engine (send/receive), ring (non-RT FSM injection), master FSM (scan),
// scheduler (per-slave request + configuration work), dc (distributed
// clocks) and phase controller (ORPHANED/IDLE/OPERATION).
type Master struct {
	mu sync.Mutex

	logger *slog.Logger

	engine *engine.Engine
	ring   *extring.Ring

	fsm   *masterfsm.FSM
	fsmDg *frame.Datagram

	scheduler *Scheduler
	queue     *request.Queue

	clock     *dc.Clock
	monitor   *dc.Monitor
	monitorDg *frame.Datagram
	syncDg    *frame.Datagram

	phaseCtrl *phase.Controller
	cancel    context.CancelFunc

	siiCache *slave.SIICache
	configs  []*slave.Config

	domains            []*Domain
	nextLogicalAddress uint32

	gw *gateway.Server
}

// NewMaster constructs a Master bound to dev, with the engine's datagram
// pool and external ring sized to ringCapacity, datagram round-trips
// timing out after engineTimeout, and the phase controller's background
// worker ticking every period.
func NewMaster(dev link.Device, ringCapacity int, engineTimeout time.Duration, period time.Duration, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.NewEngine(dev, ringCapacity, engineTimeout)
	ring := extring.NewRing(ringCapacity)
	cache := slave.NewSIICache()
	queue := request.NewQueue()

	fsmDg, err := frame.New(frame.CommandNOP, 0, 0, masterFSMDatagramSize)
	if err != nil {
		return nil, err
	}
	monitorDg, err := frame.New(frame.CommandNOP, 0, 0, masterFSMDatagramSize)
	if err != nil {
		return nil, err
	}
	clock, err := dc.NewClock()
	if err != nil {
		return nil, err
	}

	m := &Master{
		logger:    logger.With("component", "master"),
		engine:    eng,
		ring:      ring,
		fsm:       masterfsm.NewFSM(cache),
		fsmDg:     fsmDg,
		scheduler: NewScheduler(queue, ring),
		queue:     queue,
		clock:     clock,
		monitor:   dc.NewMonitor(nil),
		monitorDg: monitorDg,
		phaseCtrl: phase.NewController(period, logger),
		siiCache:  cache,
	}
	m.gw = gateway.NewServer(m.Slaves)
	eng.SetMailboxResolver(m.resolveMailbox)
	return m, nil
}

// resolveMailbox implements mailbox.Resolver over the master's currently
// known slave list, matching a received FPRD's (station address, offset)
// against each slave's station address and configured tx-mailbox offset.
func (m *Master) resolveMailbox(stationAddress, offset uint16) (*mailbox.Slave, bool) {
	m.mu.Lock()
	slaves := m.fsm.Slaves
	m.mu.Unlock()
	for _, s := range slaves {
		if s.StationAddress == stationAddress && s.Mailbox.TxOffset == offset {
			return s.Mbx, true
		}
	}
	return nil, false
}

// Activate transitions ORPHANED/IDLE into OPERATION: it stops the idle
// scan-only worker (starting one first if the controller is still
// ORPHANED), drains any in-flight scan, requests every discovered slave
// into PREOP, and starts the operation worker driving Step.
func (m *Master) Activate(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.phaseCtrl.Phase() == phase.PhaseOrphaned {
		m.mu.Unlock()
		if err := m.phaseCtrl.EnterIdle(workerCtx, m.idleStep); err != nil {
			cancel()
			return err
		}
	} else {
		m.mu.Unlock()
	}

	err := m.phaseCtrl.EnterOperation(workerCtx, m.drainScan, m.setAllPreOp, m.operationStep)
	if err != nil {
		cancel()
		return err
	}
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	return nil
}

// Deactivate transitions OPERATION back to IDLE: stops the operation
// worker, clears domain/config state and force_config flags, and resumes
// the scan-only idle worker.
func (m *Master) Deactivate(ctx context.Context) error {
	err := m.phaseCtrl.Deactivate(ctx, m.cleanupForIdle, m.idleStep)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	return err
}

// Stop halts whichever worker is running and returns the master to
// ORPHANED, e.g. when the underlying link goes down.
func (m *Master) Stop() {
	m.phaseCtrl.Stop()
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

// drainScan waits for in-flight config and scan work to drain: it gates
// off any further scan from starting, then blocks until one already in
// progress finishes.
func (m *Master) drainScan() {
	m.fsm.SetAllowScan(false)
	for m.fsm.ScanBusy() {
		time.Sleep(time.Millisecond)
	}
}

func (m *Master) setAllPreOp() {
	m.mu.Lock()
	slaves := m.fsm.Slaves
	queue := m.queue
	m.mu.Unlock()
	for _, s := range slaves {
		req := &request.Request{Protocol: request.ProtocolALState, Slave: s, Params: alStateParams{want: slave.ALStatePreOp}}
		_ = queue.Submit(context.Background(), req)
	}
}

func (m *Master) cleanupForIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = nil
	for _, cfg := range m.configs {
		cfg.Detach()
	}
	for _, s := range m.fsm.Slaves {
		s.ForceConfig = false
	}
	m.configs = nil
	m.fsm.SetAllowScan(true)
}

// idleStep drives only the master FSM's scan cycle (ORPHANED/IDLE
// workers never touch the scheduler or application domains).
func (m *Master) idleStep() {
	if err := m.stepMasterFSM(); err != nil {
		m.logger.Warn("master fsm step failed", "err", err)
	}
	if err := m.engine.Send(); err != nil {
		m.logger.Warn("send failed", "err", err)
	}
	m.reapTimeouts()
}

// operationStep drives every background concern except the RT send/
// receive cycle itself, which the application calls Send/Receive for
// directly from its own real-time thread.
func (m *Master) operationStep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stepMasterFSMLocked(); err != nil {
		m.logger.Warn("master fsm step failed", "err", err)
	}
	if err := m.scheduler.Advance(); err != nil {
		m.logger.Warn("scheduler advance failed", "err", err)
	}
	if err := m.stepDCLocked(); err != nil {
		m.logger.Warn("dc step failed", "err", err)
	}
}

func (m *Master) stepMasterFSM() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepMasterFSMLocked()
}

func (m *Master) stepMasterFSMLocked() error {
	res, err := m.fsm.Step(m.fsmDg)
	switch res {
	case masterfsm.ResultConsumed:
		return m.engine.Queue(m.fsmDg)
	case masterfsm.ResultDone:
		m.scheduler.SetSlaves(m.fsm.Slaves)
		m.monitor = dc.NewMonitor(m.fsm.Slaves)
		m.clock.SelectReference(masterfsm.SelectDCReference(m.fsm.Slaves))
		m.refreshConfigAttachmentsLocked()
	}
	return err
}

// refreshConfigAttachmentsLocked matches every declared slave.Config
// against the freshly rescanned slave list and schedules configuration
// for any slave that is newly attached, forced, or sitting below the
// PREOP state a config requires.
func (m *Master) refreshConfigAttachmentsLocked() {
	for _, cfg := range m.configs {
		var match *slave.Slave
		for _, s := range m.fsm.Slaves {
			if cfg.Matches(s) {
				match = s
				break
			}
		}
		if match == nil {
			cfg.Detach()
			continue
		}
		wasAttached := cfg.Attached() == match
		cfg.Attach(match)
		if !wasAttached || match.ForceConfig || match.State < slave.ALStatePreOp {
			match.ForceConfig = false
			seq := newConfigSequence(match, cfg, slave.ALStateSafeOp)
			m.scheduler.ScheduleConfig(match, seq, func(err error) {
				if err != nil {
					m.logger.Warn("slave configuration failed", "ring_position", match.RingPosition, "err", err)
				}
			})
		}
	}
}

func (m *Master) stepDCLocked() error {
	if m.clock.Reference() == nil {
		return nil
	}
	if m.syncDg != nil {
		m.clock.ObserveSync(m.syncDg)
	}
	dg, err := m.clock.QueueSync()
	if err != nil {
		return err
	}
	m.syncDg = dg
	if err := m.engine.Queue(dg); err != nil {
		return err
	}

	res, err := m.monitor.Step(m.monitorDg)
	if err != nil {
		return err
	}
	if res == dc.ResultConsumed {
		return m.engine.Queue(m.monitorDg)
	}
	return nil
}

// SelectReferenceClock designates s as the reference clock (nil clears it).
// Every completed scan already selects the first DC-capable slave via
// masterfsm.SelectDCReference; this lets an application choose a different
// slave, which holds until the next scan completes.
func (m *Master) SelectReferenceClock(s *slave.Slave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock.SelectReference(s)
}

// reapTimeouts sweeps the engine for datagrams that timed out and, for
// any that belong to a scheduler unit, aborts that unit so its slave FSM
// is not stuck forever (slavefsm.FSM.Step has no path out of
// frame.StateTimedOut on its own).
func (m *Master) reapTimeouts() {
	for _, dg := range m.engine.Timeout() {
		if m.scheduler.Abort(dg, slavefsm.ErrDatagramTimedOut) {
			continue
		}
		m.logger.Warn("datagram timed out outside scheduler", "command", dg.Command)
	}
}

// Send drains the external ring's committed non-RT work into the engine
// and queues every active domain's current data, then transmits. Intended
// to be called once per cycle from the application's real-time thread,
// paired with Receive on the same cycle.
func (m *Master) Send() error {
	m.mu.Lock()
	for dg := m.ring.Inject(); dg != nil; dg = m.ring.Inject() {
		if err := m.engine.Queue(dg); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	domains := m.domains
	m.mu.Unlock()

	for _, d := range domains {
		if err := d.queue(m.engine); err != nil {
			return err
		}
	}
	return m.engine.Send()
}

// Receive sweeps timed-out datagrams and processes every active domain's
// reply. Intended to be called once per cycle, after the link device has
// delivered this cycle's replies to the engine.
func (m *Master) Receive() []error {
	m.mu.Lock()
	domains := m.domains
	m.mu.Unlock()

	m.reapTimeouts()

	var errs []error
	for _, d := range domains {
		if _, err := d.process(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CreateDomain allocates a new process-data domain of size bytes at the
// next available logical address and registers it for Send/Receive to
// drive every cycle. Only valid once Activate has run.
func (m *Master) CreateDomain(size int) (*Domain, error) {
	if m.phaseCtrl.Phase() != phase.PhaseOperation {
		return nil, ErrNotActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextLogicalAddress
	d, err := newDomain(addr, size)
	if err != nil {
		return nil, err
	}
	m.nextLogicalAddress += uint32(size)
	m.domains = append(m.domains, d)
	return d, nil
}

// SlaveConfig declares a desired slave configuration and registers it for
// matching against every future scan result.
func (m *Master) SlaveConfig(alias uint16, ringPosition int, vendorID, productCode uint32) *slave.Config {
	cfg := slave.NewConfig(alias, ringPosition, vendorID, productCode)
	m.mu.Lock()
	m.configs = append(m.configs, cfg)
	m.mu.Unlock()
	return cfg
}

// RegisterSlaveConfigs registers configs built outside the Master (e.g. by
// package config, loading them from a file) for matching against every
// future scan result, the same way SlaveConfig registers a config built
// in-process.
func (m *Master) RegisterSlaveConfigs(configs []*slave.Config) {
	m.mu.Lock()
	m.configs = append(m.configs, configs...)
	m.mu.Unlock()
}

// ForceRescan asks the master FSM to scan the bus again on its next Step
// even if the responding slave count has not changed.
func (m *Master) ForceRescan() error {
	return m.fsm.ForceRescan()
}

// Slaves returns the slave list discovered by the most recent scan.
func (m *Master) Slaves() []*slave.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Slaves
}

// --- Application request-submission surface ---

func (m *Master) submit(ctx context.Context, s *slave.Slave, protocol request.Protocol, params any) (*request.Request, error) {
	req := &request.Request{Protocol: protocol, Slave: s, Params: params}
	if err := m.queue.Submit(ctx, req); err != nil {
		return nil, err
	}
	if req.Err != nil {
		return req, req.Err
	}
	return req, nil
}

// SDOUpload reads a CoE object from s, blocking until the transfer
// completes or ctx is cancelled.
func (m *Master) SDOUpload(ctx context.Context, s *slave.Slave, index uint16, subindex uint8) ([]byte, error) {
	req, err := m.submit(ctx, s, request.ProtocolCoE, sdoParams{index: index, subindex: subindex})
	if err != nil {
		return nil, err
	}
	data, _ := req.Result.([]byte)
	return data, nil
}

// SDODownload writes a CoE object to s, blocking until the transfer
// completes or ctx is cancelled.
func (m *Master) SDODownload(ctx context.Context, s *slave.Slave, index uint16, subindex uint8, data []byte) error {
	_, err := m.submit(ctx, s, request.ProtocolCoE, sdoParams{index: index, subindex: subindex, data: data})
	return err
}

// ReadIDN reads an SoE IDN from s.
func (m *Master) ReadIDN(ctx context.Context, s *slave.Slave, driveNo uint8, idn uint16) ([]byte, error) {
	req, err := m.submit(ctx, s, request.ProtocolSoE, idnParams{driveNo: driveNo, idn: idn})
	if err != nil {
		return nil, err
	}
	data, _ := req.Result.([]byte)
	return data, nil
}

// WriteIDN writes an SoE IDN to s.
func (m *Master) WriteIDN(ctx context.Context, s *slave.Slave, driveNo uint8, idn uint16, data []byte) error {
	_, err := m.submit(ctx, s, request.ProtocolSoE, idnParams{driveNo: driveNo, idn: idn, data: data})
	return err
}

// ReadFile reads a file from s via FoE.
func (m *Master) ReadFile(ctx context.Context, s *slave.Slave, filename string, password uint32) ([]byte, error) {
	req, err := m.submit(ctx, s, request.ProtocolFoE, foeParams{filename: filename, password: password})
	if err != nil {
		return nil, err
	}
	data, _ := req.Result.([]byte)
	return data, nil
}

// WriteFile writes a file to s via FoE.
func (m *Master) WriteFile(ctx context.Context, s *slave.Slave, filename string, password uint32, data []byte) error {
	_, err := m.submit(ctx, s, request.ProtocolFoE, foeParams{filename: filename, password: password, data: data})
	return err
}

// RequestState asks s to transition to want, blocking until it is reached
// or rejected.
func (m *Master) RequestState(ctx context.Context, s *slave.Slave, want slave.ALState) error {
	_, err := m.submit(ctx, s, request.ProtocolALState, alStateParams{want: want})
	return err
}

// ForwardMailbox relays rawMailboxFrame to s's rx-mailbox and returns its
// reply. s == nil addresses the master's own synthetic object dictionary
// (station address 0) rather than any real slave's mailbox, answered
// in-process by gw instead of going through the scheduler.
func (m *Master) ForwardMailbox(ctx context.Context, s *slave.Slave, rawMailboxFrame []byte) ([]byte, error) {
	if s == nil {
		return m.gw.Step(rawMailboxFrame)
	}
	req, err := m.submit(ctx, s, request.ProtocolMailbox, mbgParams{frame: rawMailboxFrame})
	if err != nil {
		return nil, err
	}
	reply, _ := req.Result.([]byte)
	return reply, nil
}
