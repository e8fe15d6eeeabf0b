package cyphal

import (
	"encoding/binary"
	"log/slog"
	"time"
)

// SubjectIDHeartbeat is the fixed subject id of the standard node
// heartbeat message.
const SubjectIDHeartbeat PortID = 7509

// Health is the coarse node health reported in heartbeats.
type Health uint8

const (
	HealthNominal  Health = 0
	HealthAdvisory Health = 1
	HealthCaution  Health = 2
	HealthWarning  Health = 3
)

// Mode is the operating mode reported in heartbeats.
type Mode uint8

const (
	ModeOperational    Mode = 0
	ModeInitialization Mode = 1
	ModeMaintenance    Mode = 2
	ModeSoftwareUpdate Mode = 3
)

// Heartbeat is the periodic node status message. The wire form is 7 bytes:
// uptime seconds as u32 little-endian, then health (2 bits), mode (3 bits)
// and the vendor-specific status code (19 bits) packed LSB-first.
type Heartbeat struct {
	UptimeSec uint32
	Health    Health
	Mode      Mode
	// VSSC is the vendor-specific status code, 19 bits.
	VSSC uint32
}

const heartbeatSize = 7

func (h *Heartbeat) MarshalBinary() ([]byte, error) {
	if h.Health > HealthWarning || h.Mode > ModeSoftwareUpdate || h.VSSC >= 1<<19 {
		return nil, ErrInvalidArgument
	}
	out := make([]byte, heartbeatSize)
	binary.LittleEndian.PutUint32(out, h.UptimeSec)
	packed := uint32(h.Health) | uint32(h.Mode)<<2 | h.VSSC<<5
	out[4] = byte(packed)
	out[5] = byte(packed >> 8)
	out[6] = byte(packed >> 16)
	return out, nil
}

func (h *Heartbeat) UnmarshalBinary(data []byte) error {
	if len(data) < heartbeatSize {
		return ErrSerialization
	}
	h.UptimeSec = binary.LittleEndian.Uint32(data)
	packed := uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16
	h.Health = Health(packed & 0b11)
	h.Mode = Mode(packed >> 2 & 0b111)
	h.VSSC = packed >> 5
	return nil
}

// heartbeatPeriod is fixed at 1 Hz per the heartbeat contract.
const heartbeatPeriod = time.Second

// Node ties a presentation layer to the standard periodic heartbeat: a
// persistent executor callback publishes the node status once per second.
// Application publishers, subscribers, clients and servers are opened
// directly on the presentation layer; Node only owns the ambient status
// production.
type Node struct {
	p    *Presentation
	pub  *Publisher[*Heartbeat]
	cbID CallbackID

	startedAt time.Time
	health    Health
	mode      Mode
	vssc      uint32
	closed    bool
}

// NewNode starts heartbeat production on p. Fails with ErrAnonymous when
// the underlying transport has no local node id: anonymous nodes must not
// emit heartbeats.
func NewNode(p *Presentation) (*Node, error) {
	if _, set := p.tr.LocalNodeID(); !set {
		return nil, ErrAnonymous
	}
	pub, err := MakePublisher[*Heartbeat](p, SubjectIDHeartbeat)
	if err != nil {
		return nil, err
	}
	n := &Node{
		p:         p,
		pub:       pub,
		startedAt: p.exec.Now(),
		mode:      ModeInitialization,
	}
	cbID, err := p.exec.Register(n.beat)
	if err != nil {
		pub.Close()
		return nil, err
	}
	n.cbID = cbID
	p.exec.ScheduleAt(cbID, n.startedAt)
	return n, nil
}

// SetHealth updates the health reported by subsequent heartbeats.
func (n *Node) SetHealth(h Health) { n.health = h }

// SetMode updates the mode reported by subsequent heartbeats.
func (n *Node) SetMode(m Mode) { n.mode = m }

// SetVSSC updates the vendor-specific status code (19 bits).
func (n *Node) SetVSSC(v uint32) { n.vssc = v & (1<<19 - 1) }

// Uptime reports the time elapsed since the node was created.
func (n *Node) Uptime() time.Duration { return n.p.exec.Now().Sub(n.startedAt) }

func (n *Node) beat(now time.Time) {
	if n.closed {
		return
	}
	hb := Heartbeat{
		UptimeSec: uint32(now.Sub(n.startedAt) / time.Second),
		Health:    n.health,
		Mode:      n.mode,
		VSSC:      n.vssc,
	}
	// Stale heartbeats are worse than missing ones; the deadline caps
	// staging at one period.
	if err := n.pub.Publish(now.Add(heartbeatPeriod), &hb); err != nil {
		n.p.log.Warn("heartbeat publish failed", slog.Any("err", err))
	}
	n.p.exec.ScheduleAt(n.cbID, now.Add(heartbeatPeriod))
}

// Close stops heartbeat production and releases the publisher. Double
// close is a no-op.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.p.exec.Remove(n.cbID)
	return n.pub.Close()
}
