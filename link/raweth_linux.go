//go:build linux

package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterInterface("raweth", newRawEthDevice)
}

// broadcastMAC is the destination address EtherCAT masters send to; slaves
// never originate frames, so there is no need to address a specific one.
var broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const ethHeaderLen = 14

// rawEthDevice sends and receives EtherCAT telegrams directly over an
// Ethernet interface via AF_PACKET, the Ethernet-native analogue of the
// teacher's AF_CAN raw-socket link devices.
type rawEthDevice struct {
	*statTracker
	fd      int
	ifIndex int
	srcMAC  [6]byte

	mu       sync.Mutex
	listener FrameListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func newRawEthDevice(name string) (Device, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(frameEtherType)))
	if err != nil {
		return nil, fmt.Errorf("link: failed to create AF_PACKET socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(frameEtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: failed to bind AF_PACKET socket to %s: %w", name, err)
	}
	var src [6]byte
	if len(iface.HardwareAddr) == 6 {
		copy(src[:], iface.HardwareAddr)
	}
	return &rawEthDevice{
		statTracker: newStatTracker(),
		fd:          fd,
		ifIndex:     iface.Index,
		srcMAC:      src,
		logger:      slog.Default().With("link", name),
	}, nil
}

// frameEtherType is the value link.Device implementations filter/tag
// Ethernet frames with; kept as a package alias of the wire constant so the
// link package does not import frame and create a dependency cycle.
const frameEtherType = 0x88A4

func (d *rawEthDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("link: device already open")
	}
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processIncoming(ctx)
	}()
	return nil
}

func (d *rawEthDevice) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
	return unix.Close(d.fd)
}

func (d *rawEthDevice) Send(body []byte) error {
	out := make([]byte, ethHeaderLen+len(body))
	copy(out[0:6], broadcastMAC[:])
	copy(out[6:12], d.srcMAC[:])
	binary.BigEndian.PutUint16(out[12:14], frameEtherType)
	copy(out[ethHeaderLen:], body)

	n, err := unix.Write(d.fd, out)
	if err != nil {
		return fmt.Errorf("link: send failed: %w", err)
	}
	d.recordTx(n)
	return nil
}

func (d *rawEthDevice) Subscribe(listener FrameListener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = listener
	return nil
}

func (d *rawEthDevice) Stats() Stats { return d.snapshot() }

// processIncoming batch-reads raw Ethernet frames off the socket, strips
// the 14-byte Ethernet header, and demuxes EtherCAT-tagged frames to the
// subscriber. Frames of any other EtherType (sharing the NIC) are dropped.
func (d *rawEthDevice) processIncoming(ctx context.Context) {
	buf := make([]byte, 65536)
	if err := unix.SetNonblock(d.fd, false); err != nil {
		d.logger.Error("failed to set blocking mode", "err", err)
		return
	}
	_ = unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Usec: 100_000})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			d.logger.Error("receive failed", "err", err)
			return
		}
		if n < ethHeaderLen {
			continue
		}
		etherType := binary.BigEndian.Uint16(buf[12:14])
		if etherType != frameEtherType {
			continue
		}
		d.recordRx(n)
		d.mu.Lock()
		listener := d.listener
		d.mu.Unlock()
		if listener != nil {
			body := make([]byte, n-ethHeaderLen)
			copy(body, buf[ethHeaderLen:n])
			listener.Handle(body)
		}
	}
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return *(*uint16)(unsafe.Pointer(&b[0]))
}
