package link

import (
	"context"
	"errors"
	"sync"
)

func init() {
	RegisterInterface("virtual", newVirtualDevice)
}

// virtualBroker is a process-wide registry of named in-memory links, letting
// two virtualDevices opened under the same name talk to each other. This is
// the in-process analogue of pkg/can/virtual's TCP loopback broker,
// simplified since tests never need a real network hop.
var virtualBroker = struct {
	mu    sync.Mutex
	links map[string]*virtualLink
}{links: make(map[string]*virtualLink)}

type virtualLink struct {
	mu      sync.Mutex
	members []*virtualDevice
}

func getVirtualLink(name string) *virtualLink {
	virtualBroker.mu.Lock()
	defer virtualBroker.mu.Unlock()
	l, ok := virtualBroker.links[name]
	if !ok {
		l = &virtualLink{}
		virtualBroker.links[name] = l
	}
	return l
}

func (l *virtualLink) join(d *virtualDevice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members = append(l.members, d)
}

func (l *virtualLink) leave(d *virtualDevice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.members {
		if m == d {
			l.members = append(l.members[:i], l.members[i+1:]...)
			break
		}
	}
}

// broadcast hands body to every member's inbox except the sender, matching
// an Ethernet segment's "everyone but me hears this" semantics.
func (l *virtualLink) broadcast(sender *virtualDevice, body []byte) {
	l.mu.Lock()
	members := append([]*virtualDevice(nil), l.members...)
	l.mu.Unlock()
	cp := append([]byte(nil), body...)
	for _, m := range members {
		if m == sender {
			continue
		}
		select {
		case m.inbox <- cp:
		default:
			// Receiver not keeping up; drop, matching a real NIC under
			// backpressure rather than blocking the sender.
		}
	}
}

// virtualDevice is an in-memory Device for tests: any two devices opened
// with the same name exchange frames with each other, with no real I/O.
type virtualDevice struct {
	*statTracker
	name     string
	link     *virtualLink
	inbox    chan []byte
	listener FrameListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	open     bool
}

func newVirtualDevice(name string) (Device, error) {
	return &virtualDevice{
		statTracker: newStatTracker(),
		name:        name,
		link:        getVirtualLink(name),
		inbox:       make(chan []byte, 256),
	}, nil
}

func (d *virtualDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.New("link: device already open")
	}
	d.link.join(d)
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.pump(ctx)
	d.open = true
	return nil
}

func (d *virtualDevice) Close() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	cancel := d.cancel
	d.mu.Unlock()

	d.link.leave(d)
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *virtualDevice) Send(body []byte) error {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return errors.New("link: device not open")
	}
	d.recordTx(len(body))
	d.link.broadcast(d, body)
	return nil
}

func (d *virtualDevice) Subscribe(listener FrameListener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = listener
	return nil
}

func (d *virtualDevice) Stats() Stats { return d.snapshot() }

func (d *virtualDevice) pump(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-d.inbox:
			d.recordRx(len(body))
			d.mu.Lock()
			listener := d.listener
			d.mu.Unlock()
			if listener != nil {
				listener.Handle(body)
			}
		}
	}
}
