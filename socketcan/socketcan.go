//go:build linux

// Package socketcan implements the CAN media interface on Linux SocketCAN
// raw sockets, classic CAN and CAN FD.
package socketcan

import (
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	cyphal "github.com/soypat/go-cyphal"
)

const (
	// Kernel frame sizes: struct can_frame and struct canfd_frame.
	classicFrameSize = 16
	fdFrameSize      = 72
	frameHeaderSize  = 8 // can_id + len + flags + reserved.

	canEFFFlag = unix.CAN_EFF_FLAG

	// stagedCap bounds the driver-level FIFO absorbing kernel EAGAIN.
	stagedCap = 64
)

// Config parameterizes New.
type Config struct {
	// Interface is the SocketCAN network interface name, e.g. "can0" or
	// "vcan0".
	Interface string
	// FD enables CAN FD frames (MTU 64) on interfaces that support them.
	FD bool
	// TxMemory accounts staged transmissions. Nil disables accounting.
	TxMemory cyphal.MemoryResource
	Logger   *slog.Logger
}

// stagedFrame is one outgoing frame the kernel refused with EAGAIN.
type stagedFrame struct {
	deadline time.Time
	canID    uint32
	data     []byte
}

// Media is a non-blocking SocketCAN interface implementing cyphal.Media.
type Media struct {
	fd     int
	fdMode bool
	txMem  cyphal.MemoryResource
	log    *slog.Logger
	// staged holds frames awaiting a writable socket, FIFO so bus
	// arbitration order decided by the transport queue is preserved.
	staged *queue.Queue
	// txReadyCB is the writable registration, rearmed whenever a frame is
	// staged.
	txReadyCB    cyphal.CallbackID
	txReadyRearm func(cyphal.CallbackID) error
	closed       bool
}

var _ cyphal.Media = (*Media)(nil)

// New opens the named interface as a non-blocking raw CAN socket.
func New(cfg Config) (*Media, error) {
	ifc, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, err
	}
	if cfg.FD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifc.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mem := cfg.TxMemory
	if mem == nil {
		mem = nopMemory{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Media{
		fd:     fd,
		fdMode: cfg.FD,
		txMem:  mem,
		log:    log,
		staged: queue.New(),
	}, nil
}

func (m *Media) MTU() int {
	if m.fdMode {
		return cyphal.MTUCANFD
	}
	return cyphal.MTUCANClassic
}

// SetFilters installs kernel-side acceptance filters. Zero filters install
// a single match-nothing entry so unsubscribed traffic never reaches user
// space.
func (m *Media) SetFilters(filters []cyphal.Filter) error {
	if m.closed {
		return cyphal.ErrClosed
	}
	kf := make([]unix.CanFilter, 0, max(len(filters), 1))
	for _, f := range filters {
		kf = append(kf, unix.CanFilter{
			Id:   f.ID | canEFFFlag,
			Mask: f.Mask | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG,
		})
	}
	if len(kf) == 0 {
		kf = append(kf, unix.CanFilter{Id: 0, Mask: ^uint32(0)})
	}
	return unix.SetsockoptCanRawFilter(m.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf)
}

// Push writes the frame to the socket, staging it when the kernel transmit
// queue is full. accepted=false only when the staging FIFO is also full.
func (m *Media) Push(deadline time.Time, canID uint32, payload []byte) (bool, error) {
	if m.closed {
		return false, cyphal.ErrClosed
	}
	if m.staged.Length() > 0 {
		// Plain polling executors have no writable callback; transmission
		// attempts must drain earlier pushback themselves.
		m.flushStaged(time.Now())
	}
	if m.staged.Length() == 0 {
		done, err := m.write(canID, payload)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	if m.staged.Length() >= stagedCap {
		return false, nil
	}
	if !m.txMem.Acquire(len(payload)) {
		return false, cyphal.ErrMemory
	}
	m.staged.Add(stagedFrame{deadline: deadline, canID: canID, data: append([]byte(nil), payload...)})
	if m.txReadyRearm != nil {
		m.txReadyRearm(m.txReadyCB)
	}
	return true, nil
}

// flushStaged drains the FIFO until the socket blocks again.
func (m *Media) flushStaged(now time.Time) {
	for m.staged.Length() > 0 {
		f := m.staged.Peek().(stagedFrame)
		if !f.deadline.IsZero() && now.After(f.deadline) {
			m.staged.Remove()
			m.txMem.Release(len(f.data))
			m.log.Warn("staged can frame expired", slog.Uint64("canid", uint64(f.canID)))
			continue
		}
		done, err := m.write(f.canID, f.data)
		if err != nil {
			m.staged.Remove()
			m.txMem.Release(len(f.data))
			m.log.Error("can write", slog.Any("err", err))
			continue
		}
		if !done {
			if m.txReadyRearm != nil {
				m.txReadyRearm(m.txReadyCB)
			}
			return
		}
		m.staged.Remove()
		m.txMem.Release(len(f.data))
	}
}

// write attempts one non-blocking frame transmission. done=false on EAGAIN.
func (m *Media) write(canID uint32, payload []byte) (done bool, err error) {
	frameSize := classicFrameSize
	if m.fdMode {
		frameSize = fdFrameSize
	}
	if len(payload) > frameSize-frameHeaderSize {
		return false, cyphal.ErrInvalidArgument
	}
	var frame [fdFrameSize]byte
	binary.LittleEndian.PutUint32(frame[:], canID|canEFFFlag)
	frame[4] = byte(len(payload))
	copy(frame[frameHeaderSize:], payload)
	_, err = unix.Write(m.fd, frame[:frameSize])
	if err == unix.EAGAIN || err == unix.ENOBUFS {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pop reads one received frame into buf.
func (m *Media) Pop(buf []byte) (meta cyphal.MediaFrameMeta, ok bool, err error) {
	if m.closed {
		return meta, false, cyphal.ErrClosed
	}
	if m.staged.Length() > 0 {
		// Reception polling is the only periodic entry point under a plain
		// executor; use it to retire staged transmissions too.
		m.flushStaged(time.Now())
	}
	var frame [fdFrameSize]byte
	n, err := unix.Read(m.fd, frame[:])
	if err == unix.EAGAIN {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, err
	}
	if n != classicFrameSize && n != fdFrameSize {
		return meta, false, nil // Not a CAN frame; drop.
	}
	canID := binary.LittleEndian.Uint32(frame[:])
	if canID&unix.CAN_EFF_FLAG == 0 || canID&(unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
		return meta, false, nil // Standard-ID, RTR and error frames are not Cyphal.
	}
	size := int(frame[4])
	if size > n-frameHeaderSize || size > len(buf) {
		return meta, false, nil
	}
	copy(buf, frame[frameHeaderSize:frameHeaderSize+size])
	meta = cyphal.MediaFrameMeta{
		CANID: canID & unix.CAN_EFF_MASK,
		Size:  size,
	}
	return meta, true, nil
}

// RegisterRxReady arms a readable callback when the executor supports
// awaiting; otherwise a plain registration is returned and the caller is
// expected to poll via the transport's Run.
func (m *Media) RegisterRxReady(exec cyphal.Executor, fn cyphal.CallbackFunc) (cyphal.CallbackID, error) {
	if ae, ok := exec.(cyphal.AwaitableExecutor); ok {
		return ae.RegisterAwaitable(fn, m.fd, cyphal.TriggerReadable)
	}
	return exec.Register(fn)
}

// writableRearmer is implemented by executors with one-shot writable
// interest (see posix.Executor).
type writableRearmer interface {
	RearmWritable(id cyphal.CallbackID) error
}

// RegisterTxReady arms a writable callback that first drains the driver
// FIFO, then hands control to the transport's flush.
func (m *Media) RegisterTxReady(exec cyphal.Executor, fn cyphal.CallbackFunc) (cyphal.CallbackID, error) {
	wrapped := func(now time.Time) {
		m.flushStaged(now)
		fn(now)
	}
	ae, ok := exec.(cyphal.AwaitableExecutor)
	if !ok {
		return exec.Register(wrapped)
	}
	id, err := ae.RegisterAwaitable(wrapped, m.fd, cyphal.TriggerWritable)
	if err != nil {
		return 0, err
	}
	m.txReadyCB = id
	if r, ok := exec.(writableRearmer); ok {
		m.txReadyRearm = r.RearmWritable
	}
	return id, nil
}

func (m *Media) TxMemoryResource() cyphal.MemoryResource { return m.txMem }

func (m *Media) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for m.staged.Length() > 0 {
		f := m.staged.Remove().(stagedFrame)
		m.txMem.Release(len(f.data))
	}
	return unix.Close(m.fd)
}

// nopMemory is the accounting fallback when no TX pool is configured.
type nopMemory struct{}

func (nopMemory) Acquire(int) bool { return true }
func (nopMemory) Release(int)      {}
