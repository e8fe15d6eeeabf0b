package cyphal

import "time"

// ProtocolParams describes the transport-specific protocol envelope.
type ProtocolParams struct {
	// TransferIDModulo is the cyclic range of transfer ids: 2^5 for CAN,
	// 2^64-1 (practically unbounded) for UDP.
	TransferIDModulo TransferID
	MaxNodes         int
	// MTU of a single frame payload, excluding transport overhead.
	MTU int
}

// Transport moves serialized transfers between nodes over one kind of
// media. Sessions are obtained through the factory methods; binding a port
// that is already bound in the same direction fails with ErrAlreadyExists.
type Transport interface {
	// LocalNodeID reports the node id, false while anonymous.
	LocalNodeID() (NodeID, bool)
	ProtocolParams() ProtocolParams

	NewMessageRxSession(p MessageRxParams) (MessageRxSession, error)
	NewMessageTxSession(p MessageTxParams) (MessageTxSession, error)
	NewRequestRxSession(p RequestRxParams) (RequestRxSession, error)
	NewRequestTxSession(p RequestTxParams) (RequestTxSession, error)
	NewResponseRxSession(p ResponseRxParams) (ResponseRxSession, error)
	NewResponseTxSession(p ResponseTxParams) (ResponseTxSession, error)

	// Run drains media reception and flushes pending transmissions.
	// It is also invoked by the media readiness callbacks the transport
	// registers on its executor.
	Run(now time.Time)

	// Close releases all sessions and callbacks synchronously.
	Close() error
}

// Session parameter bundles. Extent is the size of the transfer payload
// reassembly buffer: the maximum size of received objects, considering
// also possible future versions with new fields.

type MessageRxParams struct {
	Extent  int
	Subject PortID
}

type MessageTxParams struct {
	Subject PortID
}

type RequestRxParams struct {
	Extent  int
	Service PortID
}

type RequestTxParams struct {
	Service PortID
	Server  NodeID
}

type ResponseRxParams struct {
	Extent  int
	Service PortID
	Server  NodeID
}

type ResponseTxParams struct {
	Service PortID
}

// RxSession is the common surface of receiving sessions. Reception is
// callback-driven: the delegate fires from within the transport's Run (and
// therefore from within an executor spin).
type RxSession interface {
	// SetOnReceive registers the receive delegate. Passing nil detaches it.
	SetOnReceive(fn func(*Transfer))
	// SetTransferIDTimeout adjusts the reassembly restart timeout.
	SetTransferIDTimeout(d time.Duration)
	// Close unbinds the port synchronously. Double close is a no-op.
	Close() error
}

type MessageRxSession interface {
	RxSession
	Params() MessageRxParams
}

type RequestRxSession interface {
	RxSession
	Params() RequestRxParams
}

type ResponseRxSession interface {
	RxSession
	Params() ResponseRxParams
}

// TxSession is the common surface of transmitting sessions.
type TxSession interface {
	// Send enqueues one serialized transfer. The deadline bounds how long
	// the transport may keep trying to hand frames to the media.
	Send(meta TransferMetadata, deadline time.Time, payload []byte) error
	Close() error
}

type MessageTxSession interface {
	TxSession
	Params() MessageTxParams
}

type RequestTxSession interface {
	TxSession
	Params() RequestTxParams
}

type ResponseTxSession interface {
	TxSession
	Params() ResponseTxParams
}

// Filter is one CAN acceptance filter (extended frame match).
type Filter struct {
	ID   uint32
	Mask uint32
}

// MediaFrameMeta describes one frame taken from a media reception queue.
type MediaFrameMeta struct {
	Timestamp time.Time
	// CANID is the received extended CAN ID (CAN media) or unused (UDP).
	CANID uint32
	Size  int
}

// Media is the hardware/OS-facing CAN interface consumed by the CAN
// transport. Implementations are expected to be non-blocking; readiness is
// signaled through callbacks registered at the transport's executor.
type Media interface {
	// MTU may change arbitrarily at runtime; it is queried before every
	// transmission and has no effect on reception.
	MTU() int
	// SetFilters applies the acceptance filter configuration. Zero filters
	// reject all incoming traffic. On failure the transport re-applies the
	// filters on its next run.
	SetFilters(filters []Filter) error
	// Push schedules the frame for transmission and returns immediately.
	// accepted=false means try again later (e.g. the TX queue is full);
	// an error drops the frame.
	Push(deadline time.Time, canID uint32, payload []byte) (accepted bool, err error)
	// Pop takes the next received frame into buf, ok=false when empty.
	Pop(buf []byte) (meta MediaFrameMeta, ok bool, err error)
	// RegisterTxReady and RegisterRxReady install the transport's
	// readiness callbacks using the media's own I/O readiness source.
	RegisterTxReady(exec Executor, fn CallbackFunc) (CallbackID, error)
	RegisterRxReady(exec Executor, fn CallbackFunc) (CallbackID, error)
	// TxMemoryResource is the media-owned pool the transport accounts its
	// in-flight TX frame payloads against.
	TxMemoryResource() MemoryResource
	Close() error
}

// UDPMedia is the socket-facing interface consumed by the UDP transport.
// Addressing by node id is a media concern (the driver maps node ids onto
// its endpoint scheme); NodeIDUnset destinations broadcast.
type UDPMedia interface {
	MTU() int
	Send(deadline time.Time, dst NodeID, datagram []byte) (accepted bool, err error)
	Receive(buf []byte) (n int, src NodeID, ok bool, err error)
	RegisterTxReady(exec Executor, fn CallbackFunc) (CallbackID, error)
	RegisterRxReady(exec Executor, fn CallbackFunc) (CallbackID, error)
	TxMemoryResource() MemoryResource
	Close() error
}
