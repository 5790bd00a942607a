package extring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
)

func mustDatagram(t *testing.T) *frame.Datagram {
	t.Helper()
	dg, err := frame.New(frame.CommandFPRD, 1, 0, 1)
	require.NoError(t, err)
	return dg
}

func TestStageCommitInjectFIFOOrder(t *testing.T) {
	r := NewRing(4)
	a, b := mustDatagram(t), mustDatagram(t)

	require.NoError(t, r.Stage(a))
	require.NoError(t, r.Commit())
	require.NoError(t, r.Stage(b))
	require.NoError(t, r.Commit())

	assert.Same(t, a, r.Inject())
	assert.Same(t, b, r.Inject())
	assert.Nil(t, r.Inject())
}

func TestCommitWithoutStageFails(t *testing.T) {
	r := NewRing(2)
	err := r.Commit()
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestAbandonDiscardsStaged(t *testing.T) {
	r := NewRing(2)
	r.Stage(mustDatagram(t))
	r.Abandon()
	err := r.Commit()
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestRingFullRejectsFurtherStaging(t *testing.T) {
	r := NewRing(1)
	require.NoError(t, r.Stage(mustDatagram(t)))
	require.NoError(t, r.Commit())

	err := r.Stage(mustDatagram(t))
	assert.ErrorIs(t, err, ErrRingFull)
}

func TestRingWrapsAroundCapacity(t *testing.T) {
	r := NewRing(2)
	for i := 0; i < 5; i++ {
		dg := mustDatagram(t)
		require.NoError(t, r.Stage(dg))
		require.NoError(t, r.Commit())
		assert.Same(t, dg, r.Inject())
	}
}
