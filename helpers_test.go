package cyphal

import (
	"time"

	"github.com/eapache/queue"
)

// manualClock is a hand-advanced time source for deterministic scheduling
// tests.
type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_000_000, 0)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// busFrame is one frame in flight on a loopback bus.
type busFrame struct {
	canID uint32
	data  []byte
}

// canBus connects loopback media: a frame pushed by one is received by all
// others, like a physical CAN bus without arbitration loss.
type canBus struct {
	media []*loopbackMedia
}

func newCANBus(mtu, n int) *canBus {
	bus := &canBus{}
	for i := 0; i < n; i++ {
		bus.media = append(bus.media, &loopbackMedia{
			bus:   bus,
			mtu:   mtu,
			rx:    queue.New(),
			txMem: &TrackingMemoryResource{},
		})
	}
	return bus
}

type loopbackMedia struct {
	bus     *canBus
	mtu     int
	rx      *queue.Queue
	filters []Filter
	txMem   *TrackingMemoryResource
	closed  bool
}

var _ Media = (*loopbackMedia)(nil)

func (m *loopbackMedia) MTU() int { return m.mtu }

func (m *loopbackMedia) SetFilters(filters []Filter) error {
	m.filters = append([]Filter(nil), filters...)
	return nil
}

func (m *loopbackMedia) Push(deadline time.Time, canID uint32, payload []byte) (bool, error) {
	for _, other := range m.bus.media {
		if other == m || other.closed {
			continue
		}
		other.rx.Add(busFrame{canID: canID, data: append([]byte(nil), payload...)})
	}
	return true, nil
}

func (m *loopbackMedia) Pop(buf []byte) (MediaFrameMeta, bool, error) {
	if m.rx.Length() == 0 {
		return MediaFrameMeta{}, false, nil
	}
	f := m.rx.Remove().(busFrame)
	n := copy(buf, f.data)
	return MediaFrameMeta{CANID: f.canID, Size: n}, true, nil
}

func (m *loopbackMedia) RegisterTxReady(exec Executor, fn CallbackFunc) (CallbackID, error) {
	return exec.Register(fn)
}

func (m *loopbackMedia) RegisterRxReady(exec Executor, fn CallbackFunc) (CallbackID, error) {
	return exec.Register(fn)
}

func (m *loopbackMedia) TxMemoryResource() MemoryResource { return m.txMem }

func (m *loopbackMedia) Close() error {
	m.closed = true
	return nil
}

// udpBus connects loopback UDP links by node id.
type udpBus struct {
	links map[NodeID]*loopbackUDP
}

func newUDPBus() *udpBus { return &udpBus{links: make(map[NodeID]*loopbackUDP)} }

func (b *udpBus) link(node NodeID, mtu int) *loopbackUDP {
	l := &loopbackUDP{
		bus:   b,
		node:  node,
		mtu:   mtu,
		rx:    queue.New(),
		txMem: &TrackingMemoryResource{},
	}
	b.links[node] = l
	return l
}

type udpDatagram struct {
	src  NodeID
	data []byte
}

type loopbackUDP struct {
	bus   *udpBus
	node  NodeID
	mtu   int
	rx    *queue.Queue
	txMem *TrackingMemoryResource
}

var _ UDPMedia = (*loopbackUDP)(nil)

func (l *loopbackUDP) MTU() int { return l.mtu }

func (l *loopbackUDP) Send(deadline time.Time, dst NodeID, datagram []byte) (bool, error) {
	d := udpDatagram{src: l.node, data: append([]byte(nil), datagram...)}
	if dst.IsUnset() {
		for node, other := range l.bus.links {
			if node != l.node {
				other.rx.Add(d)
			}
		}
		return true, nil
	}
	if other := l.bus.links[dst]; other != nil {
		other.rx.Add(d)
	}
	return true, nil
}

func (l *loopbackUDP) Receive(buf []byte) (int, NodeID, bool, error) {
	if l.rx.Length() == 0 {
		return 0, NodeIDUnset, false, nil
	}
	d := l.rx.Remove().(udpDatagram)
	n := copy(buf, d.data)
	return n, d.src, true, nil
}

func (l *loopbackUDP) RegisterTxReady(exec Executor, fn CallbackFunc) (CallbackID, error) {
	return exec.Register(fn)
}

func (l *loopbackUDP) RegisterRxReady(exec Executor, fn CallbackFunc) (CallbackID, error) {
	return exec.Register(fn)
}

func (l *loopbackUDP) TxMemoryResource() MemoryResource { return l.txMem }

func (l *loopbackUDP) Close() error { return nil }
