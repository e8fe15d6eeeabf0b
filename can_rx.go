package cyphal

import (
	"time"
	"unsafe"
)

// Cyphal/CAN reception logic: extended CAN ID parsing and per-source
// multi-frame transfer reassembly.

// canFrameModel is the parsed view of one received CAN frame. The payload
// slice excludes the tail byte and aliases the caller's buffer.
type canFrameModel struct {
	timestamp time.Time
	priority  Priority
	kind      TransferKind
	port      PortID
	srcNode   NodeID
	dstNode   NodeID
	tid       TransferID
	txStart   bool
	txEnd     bool
	toggle    bool
	payload   []byte
}

// parseCANFrame validates and decomposes a received frame. Frames that are
// not valid Cyphal/CAN (bad reserved bits, empty payload, inconsistent tail
// flags) fail with errInvalidFrame and must be silently dropped.
func parseCANFrame(ts time.Time, canID uint32, payload []byte, out *canFrameModel) error {
	if len(payload) == 0 {
		return errEmptyPayload
	}
	if canID > canExtIDMask {
		return errInvalidFrame
	}
	*out = canFrameModel{}
	out.timestamp = ts
	out.priority = Priority(canID>>offsetPriority) & PriorityMax
	out.srcNode = NodeID(canID & CANNodeIDMax)
	if canID&flagServiceNotMessage == 0 {
		out.kind = KindMessage
		out.port = PortID(canID>>offsetSubjectID) & SubjectIDMax
		if canID&flagAnonymousMessage != 0 {
			out.srcNode = NodeIDUnset
		}
		out.dstNode = NodeIDUnset
		if canID&flagReserved07 != 0 {
			return errInvalidFrame
		}
	} else {
		if canID&flagRequestNotResponse != 0 {
			out.kind = KindRequest
		} else {
			out.kind = KindResponse
		}
		out.port = PortID(canID>>offsetServiceID) & ServiceIDMax
		out.dstNode = NodeID(canID>>offsetDstNodeID) & CANNodeIDMax
		// Source cannot be the same as the destination.
		if out.srcNode == out.dstNode {
			return errInvalidFrame
		}
	}
	if canID&flagReserved23 != 0 {
		return errInvalidFrame
	}

	tail := Tail(payload[len(payload)-1])
	out.payload = payload[:len(payload)-1]
	out.tid = tail.TransferID()
	out.txStart = tail.IsStart()
	out.txEnd = tail.IsEnd()
	out.toggle = tail.IsToggled()
	switch {
	case out.txStart && !out.toggle:
		return errInvalidFrame // Bad initial toggle.
	case !out.txStart && out.srcNode.IsUnset():
		return errInvalidFrame // Anonymous transfers are single-frame only.
	case !out.txEnd && len(out.payload) < mftNonLastFramePayloadMin:
		return errInvalidFrame // Non-last frames must use the MTU fully.
	}
	return nil
}

// canRxState is the reassembly state for one source node on one port. It
// lives for the lifetime of the session node that owns it.
type canRxState struct {
	txTimestamp      time.Time
	totalPayloadSize int
	payloadSize      int
	payload          []byte
	crc              CRC
	tid              TransferID
	// rti is the index of the redundant media this transfer arrives on.
	rti    uint8
	toggle bool
}

var canRxStateSize = int(unsafe.Sizeof(canRxState{}))

func (s *canRxState) reset(tid TransferID, rti uint8) {
	s.totalPayloadSize = 0
	s.payloadSize = 0
	s.crc = crcInitial
	s.tid = tid
	s.toggle = true // Initial toggle state.
	s.rti = rti
}

// canRxSessionState is the per-session receive bookkeeping of the CAN
// transport: one lazily allocated reassembly slot per source node.
type canRxSessionState struct {
	states [CANNodeIDMax + 1]*canRxState
}

// accept feeds one parsed frame into the session and returns the completed
// transfer, or nil when the frame did not complete one. A nil transfer with
// a nil error means the frame was consumed or dropped without error.
func (ss *canRxSessionState) accept(mem MemoryResource, node *sessionNode, frame *canFrameModel, rti uint8) (*Transfer, error) {
	if frame.srcNode.IsUnset() {
		// Anonymous transfers are stateless and complete immediately.
		if !frame.txStart || !frame.txEnd {
			return nil, errInvalidFrame
		}
		size := min(len(frame.payload), node.extent)
		tr := &Transfer{
			TransferMetadata: TransferMetadata{
				Priority: frame.priority,
				Kind:     frame.kind,
				Port:     frame.port,
				Remote:   NodeIDUnset,
				TID:      frame.tid,
			},
			Timestamp: frame.timestamp,
			Payload:   append([]byte(nil), frame.payload[:size]...),
		}
		return tr, nil
	}
	if frame.srcNode > CANNodeIDMax {
		panic("source node id out of range")
	}
	state := ss.states[frame.srcNode]
	if state == nil {
		if !frame.txStart {
			return nil, nil // Mid-transfer frame with no state; ignore.
		}
		if !mem.Acquire(canRxStateSize + node.extent) {
			return nil, ErrMemory
		}
		state = &canRxState{
			payload:     make([]byte, 0, node.extent),
			txTimestamp: frame.timestamp,
		}
		state.reset(frame.tid, rti)
		ss.states[frame.srcNode] = state
	}
	return state.update(node, frame, rti)
}

// release returns the session's reassembly bytes to the pool.
func (ss *canRxSessionState) release(mem MemoryResource, extent int) {
	for i, state := range ss.states {
		if state != nil {
			mem.Release(canRxStateSize + extent)
			ss.states[i] = nil
		}
	}
}

// update implements the transfer reassembly state machine for one frame.
// The design is per the Cyphal Specification: the transfer id detects
// restarts, the toggle bit detects duplicates, and the transfer CRC guards
// multi-frame integrity.
func (s *canRxState) update(node *sessionNode, frame *canFrameModel, rti uint8) (*Transfer, error) {
	tidTimedOut := frame.timestamp.Sub(s.txTimestamp) > node.tidTimeout ||
		s.txTimestamp.IsZero()
	notPreviousTID := rxComputeTransferIDDifference(s.tid, frame.tid) > 1
	needRestart := tidTimedOut || (s.rti == rti && frame.txStart && notPreviousTID)
	if needRestart {
		s.reset(frame.tid, rti)
	}
	if needRestart && !frame.txStart {
		// Expecting the first frame.
		s.reset((s.tid+1)&(CANTransferIDModulo-1), s.rti)
		return nil, nil
	}
	if rti != s.rti || frame.tid != s.tid || frame.toggle != s.toggle {
		return nil, nil // Duplicate or stray frame; drop.
	}
	if frame.txStart {
		s.txTimestamp = frame.timestamp
	}
	singleFrame := frame.txStart && frame.txEnd
	if !singleFrame {
		s.crc = s.crc.Add(frame.payload)
	}
	if err := s.writePayload(node.extent, frame.payload); err != nil {
		s.reset((s.tid+1)&(CANTransferIDModulo-1), s.rti)
		return nil, err
	}
	if !frame.txEnd {
		s.toggle = !s.toggle
		return nil, nil
	}
	if !singleFrame && s.crc != 0 {
		s.reset((s.tid+1)&(CANTransferIDModulo-1), s.rti)
		return nil, nil // CRC mismatch; the transfer is silently dropped.
	}
	size := s.payloadSize
	if !singleFrame {
		// Cut the transfer CRC unless truncation consumed it already.
		const crcSize = 2
		cut := s.totalPayloadSize - size
		if cutoff := crcSize - cut; cutoff > 0 {
			size -= cutoff
		}
		if size < 0 {
			size = 0
		}
	}
	tr := &Transfer{
		TransferMetadata: TransferMetadata{
			Priority: frame.priority,
			Kind:     frame.kind,
			Port:     frame.port,
			Remote:   frame.srcNode,
			TID:      frame.tid,
		},
		Timestamp: s.txTimestamp,
		Payload:   append([]byte(nil), s.payload[:size]...),
	}
	s.reset((s.tid+1)&(CANTransferIDModulo-1), s.rti)
	return tr, nil
}

// writePayload appends the frame payload, truncating at the extent. The
// total size keeps counting so the CRC cut can be computed after truncation.
func (s *canRxState) writePayload(extent int, payload []byte) error {
	s.totalPayloadSize += len(payload)
	room := extent - s.payloadSize
	if room < 0 {
		panic("payload size exceeds extent")
	}
	n := min(len(payload), room)
	s.payload = append(s.payload, payload[:n]...)
	s.payloadSize += n
	return nil
}

//go:inline
func rxComputeTransferIDDifference(a, b TransferID) TransferID {
	d := int64(a) - int64(b)
	if d < 0 {
		d += CANTransferIDModulo
	}
	return TransferID(d)
}
