// Package cyphal implements a Cyphal/UAVCAN-style layered communication
// middleware: a presentation layer (typed publishers, subscribers, RPC
// clients and servers) on top of pluggable CAN and UDP transports, driven
// by a single-threaded cooperative callback executor.
package cyphal

import "time"

// NodeID identifies a node within the network. The CAN transport restricts
// it to 0..CANNodeIDMax, the UDP transport to 0..UDPNodeIDMax.
type NodeID uint16

// NodeIDUnset marks an anonymous (unaddressed) node.
const NodeIDUnset NodeID = 0xffff

//go:inline
func (n NodeID) IsUnset() bool { return n == NodeIDUnset }

//go:inline
func (n NodeID) IsSet() bool { return n != NodeIDUnset }

// PortID is the numeric identifier of a subject or service.
type PortID uint16

// TransferID is the per-session sequence number distinguishing successive
// transfers on the same port. Transports wrap it at their protocol modulo.
type TransferID uint64

// Priority is the transfer priority level. Levels follow the mnemonics
// recommended by the Cyphal Specification.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal // Nominal should be the default.
	PriorityLow
	PrioritySlow
	PriorityOptional

	numOfPriorities = 8
)

// TransferKind discriminates the three transfer modes.
type TransferKind uint8

const (
	KindMessage  TransferKind = iota // Multicast, from publisher to all subscribers.
	KindResponse                     // Point-to-point, from server to client.
	KindRequest                      // Point-to-point, from client to server.

	numberOfKinds = 3
)

// TransferMetadata describes a transfer independent of its payload.
type TransferMetadata struct {
	Priority Priority
	Kind     TransferKind
	Port     PortID
	// Remote is the source node on reception and the destination node on
	// transmission. Unset for broadcast messages and anonymous sources.
	Remote NodeID
	TID    TransferID
}

// Transfer is a fully reassembled incoming transfer.
type Transfer struct {
	TransferMetadata
	// Timestamp of the first received frame of this transfer. The time
	// system may be arbitrary as long as the clock is monotonic (steady).
	Timestamp time.Time
	Payload   []byte
}

// Clock is the time source injected into executors and transports.
// Implementations must be monotonic non-decreasing.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the Go runtime monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

//go:inline
func bsign(b bool) int8 {
	if b {
		return 1
	}
	return -1
}

//go:inline
func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
