//go:build linux

// Package udplink implements the UDP media interface on non-blocking Linux
// sockets. Node ids map onto IPv4 addresses within a /16 subnet: the node
// id forms the two host octets, so node 0x0102 in subnet 172.18/16 lives at
// 172.18.1.2. NodeIDUnset destinations use the subnet broadcast address.
package udplink

import (
	"log/slog"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	cyphal "github.com/soypat/go-cyphal"
)

const (
	// DefaultPort is the UDP port all nodes bind, loosely following the
	// Cyphal/UDP convention.
	DefaultPort = 9382

	defaultMTU = 1408

	// stagedCap bounds the driver-level FIFO absorbing kernel EAGAIN.
	stagedCap = 64
)

// Config parameterizes New.
type Config struct {
	// Subnet is the fixed /16 prefix shared by all nodes, e.g. {172, 18}.
	Subnet [2]byte
	// LocalNodeID selects the host octets of the bind address.
	LocalNodeID cyphal.NodeID
	// Port is the UDP port, DefaultPort when zero.
	Port int
	// MTU is the maximum datagram size, defaultMTU when zero.
	MTU int
	// TxMemory accounts staged transmissions. Nil disables accounting.
	TxMemory cyphal.MemoryResource
	Logger   *slog.Logger
}

type stagedDatagram struct {
	deadline time.Time
	dst      cyphal.NodeID
	data     []byte
}

// Link is a non-blocking UDP socket implementing cyphal.UDPMedia.
type Link struct {
	fd     int
	subnet [2]byte
	port   int
	mtu    int
	txMem  cyphal.MemoryResource
	log    *slog.Logger
	staged *queue.Queue

	txReadyCB    cyphal.CallbackID
	txReadyRearm func(cyphal.CallbackID) error
	closed       bool
}

var _ cyphal.UDPMedia = (*Link)(nil)

// New opens and binds the local socket.
func New(cfg Config) (*Link, error) {
	if cfg.LocalNodeID > cyphal.UDPNodeIDMax {
		return nil, cyphal.ErrInvalidNodeID
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_BROADCAST} {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	l := &Link{
		fd:     fd,
		subnet: cfg.Subnet,
		port:   port,
		mtu:    mtu,
		txMem:  cfg.TxMemory,
		log:    cfg.Logger,
		staged: queue.New(),
	}
	if l.txMem == nil {
		l.txMem = nopMemory{}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: l.addrOf(cfg.LocalNodeID)}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func (l *Link) MTU() int { return l.mtu }

// addrOf maps a node id (or the broadcast address for NodeIDUnset) onto the
// subnet.
func (l *Link) addrOf(node cyphal.NodeID) [4]byte {
	if node.IsUnset() {
		return [4]byte{l.subnet[0], l.subnet[1], 255, 255}
	}
	return [4]byte{l.subnet[0], l.subnet[1], byte(node >> 8), byte(node)}
}

// nodeOf inverts addrOf for received source addresses. ok=false for
// addresses outside the subnet.
func (l *Link) nodeOf(addr [4]byte) (cyphal.NodeID, bool) {
	if addr[0] != l.subnet[0] || addr[1] != l.subnet[1] {
		return cyphal.NodeIDUnset, false
	}
	return cyphal.NodeID(addr[2])<<8 | cyphal.NodeID(addr[3]), true
}

// Send transmits the datagram, staging it when the kernel refuses with
// EAGAIN. accepted=false only when the staging FIFO is also full.
func (l *Link) Send(deadline time.Time, dst cyphal.NodeID, datagram []byte) (bool, error) {
	if l.closed {
		return false, cyphal.ErrClosed
	}
	if len(datagram) > l.mtu {
		return false, cyphal.ErrInvalidArgument
	}
	if l.staged.Length() > 0 {
		// Plain polling executors have no writable callback; transmission
		// attempts must drain earlier pushback themselves.
		l.flushStaged(time.Now())
	}
	if l.staged.Length() == 0 {
		done, err := l.write(dst, datagram)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	if l.staged.Length() >= stagedCap {
		return false, nil
	}
	if !l.txMem.Acquire(len(datagram)) {
		return false, cyphal.ErrMemory
	}
	l.staged.Add(stagedDatagram{deadline: deadline, dst: dst, data: append([]byte(nil), datagram...)})
	if l.txReadyRearm != nil {
		l.txReadyRearm(l.txReadyCB)
	}
	return true, nil
}

func (l *Link) flushStaged(now time.Time) {
	for l.staged.Length() > 0 {
		d := l.staged.Peek().(stagedDatagram)
		if !d.deadline.IsZero() && now.After(d.deadline) {
			l.staged.Remove()
			l.txMem.Release(len(d.data))
			l.log.Warn("staged datagram expired", slog.Uint64("dst", uint64(d.dst)))
			continue
		}
		done, err := l.write(d.dst, d.data)
		if err != nil {
			l.staged.Remove()
			l.txMem.Release(len(d.data))
			l.log.Error("udp sendto", slog.Any("err", err))
			continue
		}
		if !done {
			if l.txReadyRearm != nil {
				l.txReadyRearm(l.txReadyCB)
			}
			return
		}
		l.staged.Remove()
		l.txMem.Release(len(d.data))
	}
}

func (l *Link) write(dst cyphal.NodeID, datagram []byte) (done bool, err error) {
	sa := &unix.SockaddrInet4{Port: l.port, Addr: l.addrOf(dst)}
	err = unix.Sendto(l.fd, datagram, 0, sa)
	if err == unix.EAGAIN || err == unix.ENOBUFS {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Receive reads one datagram into buf. ok=false when the socket is drained.
func (l *Link) Receive(buf []byte) (n int, src cyphal.NodeID, ok bool, err error) {
	if l.closed {
		return 0, cyphal.NodeIDUnset, false, cyphal.ErrClosed
	}
	if l.staged.Length() > 0 {
		// Reception polling is the only periodic entry point under a plain
		// executor; use it to retire staged transmissions too.
		l.flushStaged(time.Now())
	}
	for {
		n, from, rerr := unix.Recvfrom(l.fd, buf, 0)
		if rerr == unix.EAGAIN {
			return 0, cyphal.NodeIDUnset, false, nil
		}
		if rerr != nil {
			return 0, cyphal.NodeIDUnset, false, rerr
		}
		sa, good := from.(*unix.SockaddrInet4)
		if !good {
			continue
		}
		node, inSubnet := l.nodeOf(sa.Addr)
		if !inSubnet {
			continue // Foreign traffic on the port; drop.
		}
		return n, node, true, nil
	}
}

func (l *Link) RegisterRxReady(exec cyphal.Executor, fn cyphal.CallbackFunc) (cyphal.CallbackID, error) {
	if ae, ok := exec.(cyphal.AwaitableExecutor); ok {
		return ae.RegisterAwaitable(fn, l.fd, cyphal.TriggerReadable)
	}
	return exec.Register(fn)
}

// writableRearmer is implemented by executors with one-shot writable
// interest (see posix.Executor).
type writableRearmer interface {
	RearmWritable(id cyphal.CallbackID) error
}

func (l *Link) RegisterTxReady(exec cyphal.Executor, fn cyphal.CallbackFunc) (cyphal.CallbackID, error) {
	wrapped := func(now time.Time) {
		l.flushStaged(now)
		fn(now)
	}
	ae, ok := exec.(cyphal.AwaitableExecutor)
	if !ok {
		return exec.Register(wrapped)
	}
	id, err := ae.RegisterAwaitable(wrapped, l.fd, cyphal.TriggerWritable)
	if err != nil {
		return 0, err
	}
	l.txReadyCB = id
	if r, ok := exec.(writableRearmer); ok {
		l.txReadyRearm = r.RearmWritable
	}
	return id, nil
}

func (l *Link) TxMemoryResource() cyphal.MemoryResource { return l.txMem }

func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for l.staged.Length() > 0 {
		d := l.staged.Remove().(stagedDatagram)
		l.txMem.Release(len(d.data))
	}
	return unix.Close(l.fd)
}

type nopMemory struct{}

func (nopMemory) Acquire(int) bool { return true }
func (nopMemory) Release(int)      {}
