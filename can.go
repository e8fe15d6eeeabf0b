package cyphal

import (
	"errors"
	"log/slog"
	"time"
)

const (
	// maxRedundantMedia bounds the number of homogeneous redundant CAN
	// interfaces one transport aggregates.
	maxRedundantMedia = 3

	defaultTxQueueCap = 128

	// DefaultTransferIDTimeout is the initial reassembly restart timeout of
	// every new receiving session, per the Cyphal Specification.
	DefaultTransferIDTimeout = 2 * time.Second
)

// CANTransportConfig parameterizes NewCANTransport. Executor and at least
// one Media are mandatory.
type CANTransportConfig struct {
	// Memory accounts session registry nodes and reassembly buffers.
	// Nil selects an unbounded resource.
	Memory   MemoryResource
	Executor Executor
	// Media are 1..3 redundant CAN interfaces. The transport registers its
	// readiness callbacks on them but does not take ownership: closing the
	// transport leaves the media open.
	Media []Media
	// LocalNodeID in 0..CANNodeIDMax, or NodeIDUnset to operate anonymously
	// (single-frame messages only, no services).
	LocalNodeID NodeID
	// TxQueueCap limits the number of staged frames per media interface.
	// Zero selects defaultTxQueueCap.
	TxQueueCap int
	Logger     *slog.Logger
}

// CANTransport implements Transport over Cyphal/CAN (classic or FD).
// All methods must be called from the executor's control thread.
type CANTransport struct {
	mem   MemoryResource
	exec  Executor
	media []Media
	// One staging queue per media so a stalled interface does not block its
	// redundant siblings.
	queues []*txQueue
	local  NodeID
	log    *slog.Logger
	// Receive session registries, one per transfer kind.
	sessions       [numberOfKinds]sessionTree
	readyCallbacks []CallbackID
	filtersStale   bool
	closed         bool
}

var _ Transport = (*CANTransport)(nil)

func NewCANTransport(cfg CANTransportConfig) (*CANTransport, error) {
	switch {
	case cfg.Executor == nil:
		return nil, ErrInvalidArgument
	case len(cfg.Media) == 0 || len(cfg.Media) > maxRedundantMedia:
		return nil, ErrInvalidArgument
	case cfg.LocalNodeID.IsSet() && cfg.LocalNodeID > CANNodeIDMax:
		return nil, ErrInvalidNodeID
	}
	cap := cfg.TxQueueCap
	if cap <= 0 {
		cap = defaultTxQueueCap
	}
	t := &CANTransport{
		mem:   memOrDefault(cfg.Memory),
		exec:  cfg.Executor,
		media: cfg.Media,
		local: cfg.LocalNodeID,
		log:   logOrDefault(cfg.Logger),
	}
	for kind := range t.sessions {
		t.sessions[kind].mem = t.mem
	}
	for i, m := range cfg.Media {
		t.queues = append(t.queues, &txQueue{
			cap: cap,
			mtu: m.MTU(),
			mem: m.TxMemoryResource(),
		})
		i := i
		rxID, err := m.RegisterRxReady(t.exec, func(now time.Time) { t.pollMedia(i, now) })
		if err != nil {
			t.teardownCallbacks()
			return nil, err
		}
		t.readyCallbacks = append(t.readyCallbacks, rxID)
		txID, err := m.RegisterTxReady(t.exec, func(now time.Time) { t.flushMedia(i, now) })
		if err != nil {
			t.teardownCallbacks()
			return nil, err
		}
		t.readyCallbacks = append(t.readyCallbacks, txID)
	}
	return t, nil
}

func (t *CANTransport) LocalNodeID() (NodeID, bool) { return t.local, t.local.IsSet() }

func (t *CANTransport) ProtocolParams() ProtocolParams {
	mtu := t.media[0].MTU()
	for _, m := range t.media[1:] {
		mtu = min(mtu, m.MTU())
	}
	return ProtocolParams{
		TransferIDModulo: CANTransferIDModulo,
		MaxNodes:         CANNodeIDMax + 1,
		MTU:              adjustPresentationLayerMTU(mtu),
	}
}

// Run drains all media reception queues and flushes staged transmissions.
// The readiness callbacks registered at construction do the same work
// incrementally; calling Run in the driver loop is the polling fallback.
func (t *CANTransport) Run(now time.Time) {
	if t.closed {
		return
	}
	if t.filtersStale {
		t.applyFilters()
	}
	for i := range t.media {
		t.pollMedia(i, now)
		t.flushMedia(i, now)
	}
}

// Close releases all sessions, staged frames and executor callbacks
// synchronously. The media stay open; they belong to the caller.
func (t *CANTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.teardownCallbacks()
	for kind := range t.sessions {
		tree := &t.sessions[kind]
		tree.forEachNode(func(n *sessionNode) error {
			if ss, ok := n.state.(*canRxSessionState); ok {
				ss.release(t.mem, n.extent)
			}
			return nil
		})
		tree.release()
	}
	for _, q := range t.queues {
		q.release()
	}
	return nil
}

func (t *CANTransport) teardownCallbacks() {
	for _, id := range t.readyCallbacks {
		t.exec.Remove(id)
	}
	t.readyCallbacks = nil
}

// Session factories.

func (t *CANTransport) NewMessageRxSession(p MessageRxParams) (MessageRxSession, error) {
	if p.Subject > SubjectIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindMessage, p.Subject, p.Extent, NodeIDUnset); err != nil {
		return nil, err
	}
	return &canMsgRxSession{canRxSession{t: t, kind: KindMessage, port: p.Subject}, p}, nil
}

func (t *CANTransport) NewMessageTxSession(p MessageTxParams) (MessageTxSession, error) {
	if p.Subject > SubjectIDMax {
		return nil, ErrInvalidArgument
	}
	return &canMsgTxSession{canTxSession{t: t, kind: KindMessage, port: p.Subject, remote: NodeIDUnset}, p}, nil
}

func (t *CANTransport) NewRequestRxSession(p RequestRxParams) (RequestRxSession, error) {
	if p.Service > ServiceIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindRequest, p.Service, p.Extent, NodeIDUnset); err != nil {
		return nil, err
	}
	return &canReqRxSession{canRxSession{t: t, kind: KindRequest, port: p.Service}, p}, nil
}

func (t *CANTransport) NewRequestTxSession(p RequestTxParams) (RequestTxSession, error) {
	if p.Service > ServiceIDMax || p.Server > CANNodeIDMax {
		return nil, ErrInvalidArgument
	}
	return &canReqTxSession{canTxSession{t: t, kind: KindRequest, port: p.Service, remote: p.Server}, p}, nil
}

func (t *CANTransport) NewResponseRxSession(p ResponseRxParams) (ResponseRxSession, error) {
	if p.Service > ServiceIDMax || p.Server > CANNodeIDMax || p.Extent < 0 {
		return nil, ErrInvalidArgument
	}
	if err := t.newRxNode(KindResponse, p.Service, p.Extent, p.Server); err != nil {
		return nil, err
	}
	return &canRespRxSession{canRxSession{t: t, kind: KindResponse, port: p.Service}, p}, nil
}

func (t *CANTransport) NewResponseTxSession(p ResponseTxParams) (ResponseTxSession, error) {
	if p.Service > ServiceIDMax {
		return nil, ErrInvalidArgument
	}
	return &canRespTxSession{canTxSession{t: t, kind: KindResponse, port: p.Service, remote: NodeIDUnset}, p}, nil
}

func (t *CANTransport) newRxNode(kind TransferKind, port PortID, extent int, remote NodeID) error {
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
	node.state = &canRxSessionState{}
	t.filtersStale = true
	return nil
}

func (t *CANTransport) closeRxSession(kind TransferKind, port PortID) {
	if t.closed {
		return
	}
	node := t.sessions[kind].findNodeFor(port)
	if node == nil {
		return
	}
	if ss, ok := node.state.(*canRxSessionState); ok {
		ss.release(t.mem, node.extent)
	}
	t.sessions[kind].removeNodeFor(port)
	t.filtersStale = true
}

// Reception path.

func (t *CANTransport) pollMedia(i int, now time.Time) {
	if t.closed {
		return
	}
	m := t.media[i]
	var buf [MTUCANFD]byte
	var frame canFrameModel
	for {
		meta, ok, err := m.Pop(buf[:])
		if err != nil {
			t.log.Error("can media pop", slog.Int("media", i), slog.Any("err", err))
			return
		}
		if !ok {
			return
		}
		ts := meta.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if meta.Size < 0 || meta.Size > len(buf) {
			continue
		}
		if perr := parseCANFrame(ts, meta.CANID, buf[:meta.Size], &frame); perr != nil {
			continue // Not valid Cyphal/CAN; drop silently.
		}
		t.acceptFrame(uint8(i), &frame)
	}
}

func (t *CANTransport) acceptFrame(rti uint8, frame *canFrameModel) {
	if frame.kind != KindMessage && frame.dstNode != t.local {
		return // Service transfer addressed elsewhere.
	}
	node := t.sessions[frame.kind].findNodeFor(frame.port)
	if node == nil {
		return // No subscription on this port.
	}
	if node.remote.IsSet() && node.remote != frame.srcNode {
		return
	}
	ss, ok := node.state.(*canRxSessionState)
	if !ok {
		panic("rx session node without CAN state")
	}
	tr, err := ss.accept(t.mem, node, frame, rti)
	if err != nil {
		if errors.Is(err, ErrMemory) {
			t.log.Warn("rx state allocation failed",
				slog.Uint64("port", uint64(frame.port)), slog.Uint64("src", uint64(frame.srcNode)))
		}
		return
	}
	if tr != nil && node.onReceive != nil {
		node.onReceive(tr)
	}
}

// Transmission path.

func (t *CANTransport) flushMedia(i int, now time.Time) {
	if t.closed {
		return
	}
	m, q := t.media[i], t.queues[i]
	for {
		item := q.peek()
		if item == nil {
			return
		}
		if !item.deadline.IsZero() && now.After(item.deadline) {
			q.free(q.pop(item))
			t.log.Warn("tx frame deadline expired",
				slog.Int("media", i), slog.Uint64("canid", uint64(item.frame.extendedCANID)))
			continue
		}
		accepted, err := m.Push(item.deadline, item.frame.extendedCANID, item.frame.payload[:item.frame.payloadSize])
		if err != nil {
			q.free(q.pop(item))
			t.log.Error("can media push", slog.Int("media", i), slog.Any("err", err))
			continue
		}
		if !accepted {
			return // Media busy; resume on its TX-ready callback.
		}
		q.free(q.pop(item))
	}
}

// Acceptance filters.

func (t *CANTransport) invalidateFilters() { t.filtersStale = true }

func (t *CANTransport) applyFilters() {
	var filters []Filter
	t.sessions[KindMessage].forEachNode(func(n *sessionNode) error {
		filters = append(filters, Filter{
			ID:   uint32(n.port) << offsetSubjectID,
			Mask: uint32(SubjectIDMax)<<offsetSubjectID | flagServiceNotMessage,
		})
		return nil
	})
	if t.local.IsSet() {
		const svcMask = flagServiceNotMessage | flagRequestNotResponse |
			uint32(ServiceIDMax)<<offsetServiceID | uint32(CANNodeIDMax)<<offsetDstNodeID
		t.sessions[KindRequest].forEachNode(func(n *sessionNode) error {
			filters = append(filters, Filter{
				ID: flagServiceNotMessage | flagRequestNotResponse |
					uint32(n.port)<<offsetServiceID | uint32(t.local)<<offsetDstNodeID,
				Mask: svcMask,
			})
			return nil
		})
		t.sessions[KindResponse].forEachNode(func(n *sessionNode) error {
			filters = append(filters, Filter{
				ID:   flagServiceNotMessage | uint32(n.port)<<offsetServiceID | uint32(t.local)<<offsetDstNodeID,
				Mask: svcMask,
			})
			return nil
		})
	}
	ok := true
	for i, m := range t.media {
		if err := m.SetFilters(filters); err != nil {
			t.log.Error("can media filter update", slog.Int("media", i), slog.Any("err", err))
			ok = false
		}
	}
	t.filtersStale = !ok
}

// Session facades.

type canRxSession struct {
	t      *CANTransport
	kind   TransferKind
	port   PortID
	closed bool
}

func (s *canRxSession) node() *sessionNode {
	if s.closed || s.t.closed {
		return nil
	}
	return s.t.sessions[s.kind].findNodeFor(s.port)
}

func (s *canRxSession) SetOnReceive(fn func(*Transfer)) {
	if n := s.node(); n != nil {
		n.onReceive = fn
	}
}

func (s *canRxSession) SetTransferIDTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	if n := s.node(); n != nil {
		n.tidTimeout = d
	}
}

func (s *canRxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.t.closeRxSession(s.kind, s.port)
	return nil
}

type canMsgRxSession struct {
	canRxSession
	p MessageRxParams
}

func (s *canMsgRxSession) Params() MessageRxParams { return s.p }

type canReqRxSession struct {
	canRxSession
	p RequestRxParams
}

func (s *canReqRxSession) Params() RequestRxParams { return s.p }

type canRespRxSession struct {
	canRxSession
	p ResponseRxParams
}

func (s *canRespRxSession) Params() ResponseRxParams { return s.p }

type canTxSession struct {
	t      *CANTransport
	kind   TransferKind
	port   PortID
	remote NodeID
	closed bool
}

// Send splits the transfer into frames and stages them on every redundant
// media queue, then flushes opportunistically. The whole transfer is staged
// on a queue or not at all; a failure on one media does not roll the others
// back, so redundant interfaces degrade independently.
func (s *canTxSession) Send(meta TransferMetadata, deadline time.Time, payload []byte) error {
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
		// The destination (the requesting client) arrives in meta.Remote.
		if meta.Remote.IsUnset() {
			return ErrInvalidArgument
		}
	}
	meta.TID &= CANTransferIDModulo - 1
	now := s.t.exec.Now()
	var firstErr error
	for i, m := range s.t.media {
		q := s.t.queues[i]
		q.mtu = m.MTU()
		if err := q.push(s.t.local, deadline, meta, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range s.t.media {
		s.t.flushMedia(i, now)
	}
	return firstErr
}

func (s *canTxSession) Close() error {
	s.closed = true
	return nil
}

type canMsgTxSession struct {
	canTxSession
	p MessageTxParams
}

func (s *canMsgTxSession) Params() MessageTxParams { return s.p }

type canReqTxSession struct {
	canTxSession
	p RequestTxParams
}

func (s *canReqTxSession) Params() RequestTxParams { return s.p }

type canRespTxSession struct {
	canTxSession
	p ResponseTxParams
}

func (s *canRespTxSession) Params() ResponseTxParams { return s.p }
