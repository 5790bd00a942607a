package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/slave"
)

func newTestMaster(t *testing.T) *Master {
	t.Helper()
	m, err := NewMaster(nil, 4, time.Second, 10*time.Millisecond, nil)
	require.NoError(t, err)
	return m
}

func TestCreateDomainFailsBeforeActivation(t *testing.T) {
	m := newTestMaster(t)
	_, err := m.CreateDomain(8)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestResolveMailboxMatchesStationAddressAndTxOffset(t *testing.T) {
	m := newTestMaster(t)
	s := slave.New(3, 0, 256)
	s.SetStationAddress(0x1003)
	s.ConfigureMailbox(slave.MailboxDescriptor{RxOffset: 0x1000, RxSize: 256, TxOffset: 0x1100, TxSize: 256})
	m.fsm.Slaves = []*slave.Slave{s}

	found, ok := m.resolveMailbox(0x1003, 0x1100)
	require.True(t, ok)
	assert.Same(t, s.Mbx, found)

	_, ok = m.resolveMailbox(0x1003, 0x1200)
	assert.False(t, ok)
	_, ok = m.resolveMailbox(0x2000, 0x1100)
	assert.False(t, ok)
}

func TestSelectReferenceClockDelegatesToClock(t *testing.T) {
	m := newTestMaster(t)
	s := slave.New(0, 0, 256)
	m.SelectReferenceClock(s)
	assert.Same(t, s, m.clock.Reference())
}

func TestSlaveConfigRegistersAndMatchesByRingPosition(t *testing.T) {
	m := newTestMaster(t)
	cfg := m.SlaveConfig(0, 2, 0x10, 0x20)
	require.Len(t, m.configs, 1)
	assert.Same(t, cfg, m.configs[0])

	s := slave.New(2, 0, 256)
	s.Identity.VendorID = 0x10
	s.Identity.ProductCode = 0x20
	assert.True(t, cfg.Matches(s))

	other := slave.New(3, 0, 256)
	other.Identity.VendorID = 0x10
	other.Identity.ProductCode = 0x20
	assert.False(t, cfg.Matches(other))
}

func TestCreateDomainAllocatesIncreasingLogicalAddresses(t *testing.T) {
	m := newTestMaster(t)

	// CreateDomain gates on PhaseOperation; drive the controller through
	// its own IDLE->OPERATION transition with no-op callbacks rather than
	// spin up the real scan/link machinery a full Activate needs.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.phaseCtrl.EnterIdle(ctx, nil))
	require.NoError(t, m.phaseCtrl.EnterOperation(ctx, nil, nil, nil))

	d1, err := m.CreateDomain(4)
	require.NoError(t, err)
	d2, err := m.CreateDomain(8)
	require.NoError(t, err)

	assert.Equal(t, uint16(0), d1.dg.SlaveAddress)
	assert.Equal(t, uint16(4), d2.dg.SlaveAddress)
	assert.Len(t, m.domains, 2)
}
