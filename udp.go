package cyphal

import (
	"encoding/binary"
	"log/slog"
	"time"
)

// Cyphal/UDP-style transport: one datagram per transfer, prefixed with a
// fixed little-endian header. Unlike CAN there is no frame-level
// reassembly; the datagram either fits the media MTU or the send fails.

const (
	udpHeaderSize    = 18
	udpHeaderVersion = 1

	// Data specifier bits.
	udpSpecService  = 1 << 15
	udpSpecRequest  = 1 << 14
	udpSpecPortMask = (1 << 14) - 1
)

// udpHeader is the decoded datagram prefix.
type udpHeader struct {
	priority Priority
	kind     TransferKind
	port     PortID
	srcNode  NodeID
	dstNode  NodeID
	tid      TransferID
}

func (h *udpHeader) marshal(buf []byte) {
	if len(buf) < udpHeaderSize {
		panic("udp header buffer too small")
	}
	buf[0] = udpHeaderVersion
	buf[1] = byte(h.priority)
	binary.LittleEndian.PutUint16(buf[2:], uint16(h.srcNode))
	binary.LittleEndian.PutUint16(buf[4:], uint16(h.dstNode))
	spec := uint16(h.port)
	switch h.kind {
	case KindRequest:
		spec = uint16(h.port) | udpSpecService | udpSpecRequest
	case KindResponse:
		spec = uint16(h.port) | udpSpecService
	}
	binary.LittleEndian.PutUint16(buf[6:], spec)
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.tid))
	crc := newCRC().Add(buf[:16])
	binary.LittleEndian.PutUint16(buf[16:], uint16(crc))
}

func (h *udpHeader) unmarshal(buf []byte) error {
	if len(buf) < udpHeaderSize {
		return errInvalidFrame
	}
	if buf[0] != udpHeaderVersion {
		return errInvalidFrame
	}
	if crc := newCRC().Add(buf[:16]); uint16(crc) != binary.LittleEndian.Uint16(buf[16:]) {
		return errInvalidFrame
	}
	h.priority = Priority(buf[1])
	if h.priority >= numOfPriorities {
		return errInvalidFrame
	}
	h.srcNode = NodeID(binary.LittleEndian.Uint16(buf[2:]))
	h.dstNode = NodeID(binary.LittleEndian.Uint16(buf[4:]))
	spec := binary.LittleEndian.Uint16(buf[6:])
	h.port = PortID(spec & udpSpecPortMask)
	switch {
	case spec&udpSpecService == 0:
		h.kind = KindMessage
		if h.port > SubjectIDMax || h.dstNode.IsSet() {
			return errInvalidFrame
		}
	case spec&udpSpecRequest != 0:
		h.kind = KindRequest
	default:
		h.kind = KindResponse
	}
	if h.kind != KindMessage {
		if h.port > ServiceIDMax || h.srcNode.IsUnset() || h.dstNode.IsUnset() {
			return errInvalidFrame
		}
	}
	h.tid = TransferID(binary.LittleEndian.Uint64(buf[8:]))
	return nil
}

// UDPTransportConfig parameterizes NewUDPTransport.
type UDPTransportConfig struct {
	Memory   MemoryResource
	Executor Executor
	Media    UDPMedia
	// LocalNodeID in 0..UDPNodeIDMax, or NodeIDUnset for a listen-only
	// anonymous endpoint.
	LocalNodeID NodeID
	// TxQueueCap limits the number of datagrams staged while the media is
	// busy. Zero selects defaultTxQueueCap.
	TxQueueCap int
	Logger     *slog.Logger
}

// udpStagedDatagram is one outgoing datagram awaiting media acceptance.
// Staging is FIFO: UDP has no bus arbitration to re-order for.
type udpStagedDatagram struct {
	deadline time.Time
	dst      NodeID
	data     []byte
}

// UDPTransport implements Transport over datagram media.
type UDPTransport struct {
	mem   MemoryResource
	exec  Executor
	media UDPMedia
	local NodeID
	log   *slog.Logger

	sessions       [numberOfKinds]sessionTree
	staged         []udpStagedDatagram
	stagedCap      int
	readyCallbacks []CallbackID
	rxBuf          []byte
	closed         bool
}

var _ Transport = (*UDPTransport)(nil)

func NewUDPTransport(cfg UDPTransportConfig) (*UDPTransport, error) {
	switch {
	case cfg.Executor == nil || cfg.Media == nil:
		return nil, ErrInvalidArgument
	case cfg.LocalNodeID.IsSet() && cfg.LocalNodeID > UDPNodeIDMax:
		return nil, ErrInvalidNodeID
	}
	cap := cfg.TxQueueCap
	if cap <= 0 {
		cap = defaultTxQueueCap
	}
	t := &UDPTransport{
		mem:       memOrDefault(cfg.Memory),
		exec:      cfg.Executor,
		media:     cfg.Media,
		local:     cfg.LocalNodeID,
		log:       logOrDefault(cfg.Logger),
		stagedCap: cap,
	}
	for kind := range t.sessions {
		t.sessions[kind].mem = t.mem
	}
	rxID, err := cfg.Media.RegisterRxReady(t.exec, func(now time.Time) { t.pollMedia(now) })
	if err != nil {
		return nil, err
	}
	t.readyCallbacks = append(t.readyCallbacks, rxID)
	txID, err := cfg.Media.RegisterTxReady(t.exec, func(now time.Time) { t.flushMedia(now) })
	if err != nil {
		t.teardownCallbacks()
		return nil, err
	}
	t.readyCallbacks = append(t.readyCallbacks, txID)
	return t, nil
}

func (t *UDPTransport) LocalNodeID() (NodeID, bool) { return t.local, t.local.IsSet() }

func (t *UDPTransport) ProtocolParams() ProtocolParams {
	return ProtocolParams{
		TransferIDModulo: 0, // Monotonic 64-bit; no cyclic wrap.
		MaxNodes:         UDPNodeIDMax + 1,
		MTU:              t.media.MTU() - udpHeaderSize,
	}
}

func (t *UDPTransport) Run(now time.Time) {
	if t.closed {
		return
	}
	t.pollMedia(now)
	t.flushMedia(now)
}

func (t *UDPTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.teardownCallbacks()
	for kind := range t.sessions {
		tree := &t.sessions[kind]
		tree.forEachNode(func(n *sessionNode) error {
			if ds, ok := n.state.(*udpRxSessionState); ok {
				ds.release(t.mem)
			}
			return nil
		})
		tree.release()
	}
	txMem := t.media.TxMemoryResource()
	for _, d := range t.staged {
		txMem.Release(len(d.data))
	}
	t.staged = nil
	return nil
}

func (t *UDPTransport) teardownCallbacks() {
	for _, id := range t.readyCallbacks {
		t.exec.Remove(id)
	}
	t.readyCallbacks = nil
}

// Session factories.

func (t *UDPTransport) NewMessageRxSession(p MessageRxParams) (MessageRxSession, error) {
	if p.Subject > SubjectIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindMessage, p.Subject, p.Extent, NodeIDUnset); err != nil {
		return nil, err
	}
	return &udpMsgRxSession{udpRxSession{t: t, kind: KindMessage, port: p.Subject}, p}, nil
}

func (t *UDPTransport) NewMessageTxSession(p MessageTxParams) (MessageTxSession, error) {
	if p.Subject > SubjectIDMax {
		return nil, ErrInvalidArgument
	}
	return &udpMsgTxSession{udpTxSession{t: t, kind: KindMessage, port: p.Subject, remote: NodeIDUnset}, p}, nil
}

func (t *UDPTransport) NewRequestRxSession(p RequestRxParams) (RequestRxSession, error) {
	if p.Service > ServiceIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindRequest, p.Service, p.Extent, NodeIDUnset); err != nil {
		return nil, err
	}
	return &udpReqRxSession{udpRxSession{t: t, kind: KindRequest, port: p.Service}, p}, nil
}

func (t *UDPTransport) NewRequestTxSession(p RequestTxParams) (RequestTxSession, error) {
	if p.Service > ServiceIDMax || p.Server > UDPNodeIDMax {
		return nil, ErrInvalidArgument
	}
	return &udpReqTxSession{udpTxSession{t: t, kind: KindRequest, port: p.Service, remote: p.Server}, p}, nil
}

func (t *UDPTransport) NewResponseRxSession(p ResponseRxParams) (ResponseRxSession, error) {
	if p.Service > ServiceIDMax || p.Server > UDPNodeIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindResponse, p.Service, p.Extent, p.Server); err != nil {
		return nil, err
	}
	return &udpRespRxSession{udpRxSession{t: t, kind: KindResponse, port: p.Service}, p}, nil
}

func (t *UDPTransport) NewResponseTxSession(p ResponseTxParams) (ResponseTxSession, error) {
	if p.Service > ServiceIDMax {
		return nil, ErrInvalidArgument
	}
	return &udpRespTxSession{udpTxSession{t: t, kind: KindResponse, port: p.Service, remote: NodeIDUnset}, p}, nil
}

func (t *UDPTransport) newRxNode(kind TransferKind, port PortID, extent int, remote NodeID) error {
	if t.closed {
		return ErrClosed
	}
	node, err := t.sessions[kind].ensureNewNodeFor(port)
	if err != nil {
		return err
	}
	node.extent = extent
	node.tidTimeout = DefaultTransferIDTimeout
	node.remote = remote
	node.state = &udpRxSessionState{}
	return nil
}

func (t *UDPTransport) closeRxSession(kind TransferKind, port PortID) {
	if t.closed {
		return
	}
	node := t.sessions[kind].findNodeFor(port)
	if node == nil {
		return
	}
	if ds, ok := node.state.(*udpRxSessionState); ok {
		ds.release(t.mem)
	}
	t.sessions[kind].removeNodeFor(port)
}

// Reception path.

// udpRemoteState deduplicates repeated datagrams from one source node.
type udpRemoteState struct {
	lastTID      TransferID
	lastSeenAt   time.Time
	everReceived bool
}

var udpRemoteStateSize = 32 // Accounting estimate per tracked remote.

type udpRxSessionState struct {
	remotes map[NodeID]*udpRemoteState
}

func (ds *udpRxSessionState) release(mem MemoryResource) {
	mem.Release(len(ds.remotes) * udpRemoteStateSize)
	ds.remotes = nil
}

// shouldAccept applies transfer-id deduplication: a datagram repeating the
// last seen id within the timeout window is a duplicate (e.g. a redundant
// network path) and is dropped.
func (ds *udpRxSessionState) shouldAccept(mem MemoryResource, src NodeID, tid TransferID, ts time.Time, timeout time.Duration) (bool, error) {
	if src.IsUnset() {
		return true, nil // Anonymous sources are not tracked.
	}
	rs := ds.remotes[src]
	if rs == nil {
		if !mem.Acquire(udpRemoteStateSize) {
			return false, ErrMemory
		}
		if ds.remotes == nil {
			ds.remotes = make(map[NodeID]*udpRemoteState)
		}
		rs = &udpRemoteState{}
		ds.remotes[src] = rs
	}
	dup := rs.everReceived && rs.lastTID == tid && ts.Sub(rs.lastSeenAt) <= timeout
	rs.lastTID = tid
	rs.lastSeenAt = ts
	rs.everReceived = true
	return !dup, nil
}

func (t *UDPTransport) pollMedia(now time.Time) {
	if t.closed {
		return
	}
	if mtu := t.media.MTU(); len(t.rxBuf) < mtu {
		t.rxBuf = make([]byte, mtu)
	}
	buf := t.rxBuf
	var hdr udpHeader
	for {
		n, _, ok, err := t.media.Receive(buf)
		if err != nil {
			t.log.Error("udp media receive", slog.Any("err", err))
			return
		}
		if !ok {
			return
		}
		if herr := hdr.unmarshal(buf[:n]); herr != nil {
			continue // Malformed datagram; drop silently.
		}
		t.acceptDatagram(now, &hdr, buf[udpHeaderSize:n])
	}
}

func (t *UDPTransport) acceptDatagram(now time.Time, hdr *udpHeader, payload []byte) {
	if hdr.kind != KindMessage && hdr.dstNode != t.local {
		return
	}
	node := t.sessions[hdr.kind].findNodeFor(hdr.port)
	if node == nil {
		return
	}
	if node.remote.IsSet() && node.remote != hdr.srcNode {
		return
	}
	ds, ok := node.state.(*udpRxSessionState)
	if !ok {
		panic("rx session node without UDP state")
	}
	accept, err := ds.shouldAccept(t.mem, hdr.srcNode, hdr.tid, now, node.tidTimeout)
	if err != nil {
		t.log.Warn("rx dedup allocation failed", slog.Uint64("src", uint64(hdr.srcNode)))
		return
	}
	if !accept || node.onReceive == nil {
		return
	}
	size := min(len(payload), node.extent)
	node.onReceive(&Transfer{
		TransferMetadata: TransferMetadata{
			Priority: hdr.priority,
			Kind:     hdr.kind,
			Port:     hdr.port,
			Remote:   hdr.srcNode,
			TID:      hdr.tid,
		},
		Timestamp: now,
		Payload:   append([]byte(nil), payload[:size]...),
	})
}

// Transmission path.

func (t *UDPTransport) flushMedia(now time.Time) {
	if t.closed {
		return
	}
	txMem := t.media.TxMemoryResource()
	for len(t.staged) > 0 {
		d := t.staged[0]
		if !d.deadline.IsZero() && now.After(d.deadline) {
			t.log.Warn("tx datagram deadline expired", slog.Uint64("dst", uint64(d.dst)))
			txMem.Release(len(d.data))
			t.staged = t.staged[1:]
			continue
		}
		accepted, err := t.media.Send(d.deadline, d.dst, d.data)
		if err != nil {
			t.log.Error("udp media send", slog.Any("err", err))
			txMem.Release(len(d.data))
			t.staged = t.staged[1:]
			continue
		}
		if !accepted {
			return // Media busy; resume on its TX-ready callback.
		}
		txMem.Release(len(d.data))
		t.staged = t.staged[1:]
	}
}

func (t *UDPTransport) send(meta TransferMetadata, deadline time.Time, payload []byte) error {
	hdr := udpHeader{
		priority: meta.Priority,
		kind:     meta.Kind,
		port:     meta.Port,
		srcNode:  t.local,
		dstNode:  meta.Remote,
		tid:      meta.TID,
	}
	if udpHeaderSize+len(payload) > t.media.MTU() {
		return ErrCapacity
	}
	datagram := make([]byte, udpHeaderSize+len(payload))
	hdr.marshal(datagram)
	copy(datagram[udpHeaderSize:], payload)

	now := t.exec.Now()
	if len(t.staged) == 0 {
		accepted, err := t.media.Send(deadline, meta.Remote, datagram)
		if err != nil {
			return &MediaError{Op: "send", Err: err}
		}
		if accepted {
			return nil
		}
	}
	if len(t.staged) >= t.stagedCap {
		return ErrCapacity
	}
	if !t.media.TxMemoryResource().Acquire(len(datagram)) {
		return ErrMemory
	}
	t.staged = append(t.staged, udpStagedDatagram{deadline: deadline, dst: meta.Remote, data: datagram})
	t.flushMedia(now)
	return nil
}

// Session facades.

type udpRxSession struct {
	t      *UDPTransport
	kind   TransferKind
	port   PortID
	closed bool
}

func (s *udpRxSession) node() *sessionNode {
	if s.closed || s.t.closed {
		return nil
	}
	return s.t.sessions[s.kind].findNodeFor(s.port)
}

func (s *udpRxSession) SetOnReceive(fn func(*Transfer)) {
	if n := s.node(); n != nil {
		n.onReceive = fn
	}
}

func (s *udpRxSession) SetTransferIDTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	if n := s.node(); n != nil {
		n.tidTimeout = d
	}
}

func (s *udpRxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.t.closeRxSession(s.kind, s.port)
	return nil
}

type udpMsgRxSession struct {
	udpRxSession
	p MessageRxParams
}

func (s *udpMsgRxSession) Params() MessageRxParams { return s.p }

type udpReqRxSession struct {
	udpRxSession
	p RequestRxParams
}

func (s *udpReqRxSession) Params() RequestRxParams { return s.p }

type udpRespRxSession struct {
	udpRxSession
	p ResponseRxParams
}

func (s *udpRespRxSession) Params() ResponseRxParams { return s.p }

type udpTxSession struct {
	t      *UDPTransport
	kind   TransferKind
	port   PortID
	remote NodeID
	closed bool
}

func (s *udpTxSession) Send(meta TransferMetadata, deadline time.Time, payload []byte) error {
	if s.closed || s.t.closed {
		return ErrClosed
	}
	meta.Kind = s.kind
	meta.Port = s.port
	switch s.kind {
	case KindMessage:
		meta.Remote = NodeIDUnset
	case KindRequest:
		meta.Remote = s.remote
	case KindResponse:
		if meta.Remote.IsUnset() {
			return ErrInvalidArgument
		}
	}
	if s.kind != KindMessage && s.t.local.IsUnset() {
		return ErrAnonymous
	}
	return s.t.send(meta, deadline, payload)
}

func (s *udpTxSession) Close() error {
	s.closed = true
	return nil
}

type udpMsgTxSession struct {
	udpTxSession
	p MessageTxParams
}

func (s *udpMsgTxSession) Params() MessageTxParams { return s.p }

type udpReqTxSession struct {
	udpTxSession
	p RequestTxParams
}

func (s *udpReqTxSession) Params() RequestTxParams { return s.p }

type udpRespTxSession struct {
	udpTxSession
	p ResponseTxParams
}

func (s *udpRespTxSession) Params() ResponseTxParams { return s.p }
