package eoe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{FrameType: FrameTypeFragment, FrameNo: 3, FragmentNo: 0, Last: false, FrameSize: 300}
	buf := make([]byte, fragmentHeaderLen)
	EncodeFragmentHeader(buf, h)

	got, rest, err := DecodeFragmentHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, h, got)
}

type recordingHandler struct {
	delivered [][]byte
}

func (h *recordingHandler) Poll() []byte { return nil }
func (h *recordingHandler) Deliver(frameBytes []byte) {
	h.delivered = append(h.delivered, append([]byte(nil), frameBytes...))
}

func buildFragmentPayload(frameNo uint8, fragmentNo uint16, last bool, frameSize uint16, chunk []byte) []byte {
	out := make([]byte, fragmentHeaderLen+len(chunk))
	EncodeFragmentHeader(out, FragmentHeader{
		FrameType:  FrameTypeFragment,
		FrameNo:    frameNo,
		FragmentNo: fragmentNo,
		Last:       last,
		FrameSize:  frameSize,
	})
	copy(out[fragmentHeaderLen:], chunk)
	return out
}

func TestReassemblerJoinsMultipleFragments(t *testing.T) {
	h := &recordingHandler{}
	r := NewReassembler(h)

	part1 := []byte("hello ")
	part2 := []byte("world")

	require.NoError(t, r.Feed(buildFragmentPayload(1, 0, false, uint16(len(part1)+len(part2)), part1)))
	require.Empty(t, h.delivered)
	require.NoError(t, r.Feed(buildFragmentPayload(1, 1, true, 0, part2)))

	require.Len(t, h.delivered, 1)
	assert.Equal(t, "hello world", string(h.delivered[0]))
}

func TestReassemblerDropsFragmentForUnknownFrame(t *testing.T) {
	h := &recordingHandler{}
	r := NewReassembler(h)
	require.NoError(t, r.Feed(buildFragmentPayload(9, 1, true, 0, []byte("x"))))
	assert.Empty(t, h.delivered)
}

func TestReassemblerSingleFragmentFrame(t *testing.T) {
	h := &recordingHandler{}
	r := NewReassembler(h)
	payload := []byte("whole-frame")
	require.NoError(t, r.Feed(buildFragmentPayload(1, 0, true, uint16(len(payload)), payload)))
	require.Len(t, h.delivered, 1)
	assert.Equal(t, payload, h.delivered[0])
}
