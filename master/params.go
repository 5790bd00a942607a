package master

import "github.com/samsamfire/goethercat/slave"

// Params structs carried in request.Request.Params — master is the only
// package that knows how to turn a Protocol+Params pair into a concrete
// slavefsm.Stepper, keeping package request itself protocol-agnostic.

type sdoParams struct {
	index    uint16
	subindex uint8
	data     []byte // non-nil means download; nil means upload
}

type idnParams struct {
	driveNo uint8
	idn     uint16
	data    []byte // non-nil means write; nil means read
}

type foeParams struct {
	filename string
	password uint32
	data     []byte // non-nil means write; nil means read
}

type alStateParams struct {
	want slave.ALState
}

type mbgParams struct {
	frame []byte
}
