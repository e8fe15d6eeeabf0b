package cyphal

import (
	"time"
	"unsafe"
)

// Cyphal/CAN transmission logic: extended CAN ID construction, tail bytes,
// single- and multi-frame splitting, and the prioritized TX queue.

type canFrame struct {
	extendedCANID uint32
	payloadSize   int
	payload       []byte
}

type txQueueItem struct {
	// Must be first field due to use of unsafe.
	base           TreeNode
	nextInTransfer *txQueueItem
	deadline       time.Time
	seq            uint64
	frame          canFrame
}

type txItem struct {
	base          txQueueItem
	payloadBuffer [MTUCANFD]byte
}

var txItemSize = int(unsafe.Sizeof(txItem{}))

//go:inline
func txItemFromTree(n *TreeNode) *txQueueItem {
	return (*txQueueItem)(unsafe.Pointer(n))
}

// Tail is the last byte of a frame payload and carries transfer control
// flow: start/end of transfer, toggle bit and the cyclic transfer id.
type Tail byte

func (t Tail) IsToggled() bool        { return t&tailToggle != 0 }
func (t Tail) IsStart() bool          { return t&tailStartOfTransfer != 0 }
func (t Tail) IsEnd() bool            { return t&tailEndOfTransfer != 0 }
func (t Tail) TransferID() TransferID { return TransferID(t & (CANTransferIDModulo - 1)) }

func tailByte(start, end, toggle bool, tid TransferID) Tail {
	tail := byte(tid) & (CANTransferIDModulo - 1)
	tail |= byte(b2i(toggle) << 5)
	tail |= byte(b2i(end) << 6)
	tail |= byte(b2i(start) << 7)
	return Tail(tail)
}

// txQueue is the per-media staging queue of outgoing frames, prioritized by
// extended CAN ID (lower wins bus arbitration) with FIFO order within one
// ID. Storage is the same AVL primitive as the registries.
type txQueue struct {
	// The maximum number of frames this queue is allowed to contain. An
	// attempt to push more fails with ErrCapacity even if memory is not
	// exhausted, so that a blocked queue does not exhaust the pool.
	cap int
	// The MTU defines the maximum number of payload bytes per frame in
	// outgoing transfers. Only standard values (8, 64) interoperate well;
	// others are rounded to the nearest valid length.
	mtu  int
	size int
	seq  uint64
	root *TreeNode
	mem  MemoryResource
}

func predicateTx(userRef any, n *TreeNode) int8 {
	a := userRef.(*txQueueItem)
	b := txItemFromTree(n)
	if a.frame.extendedCANID != b.frame.extendedCANID {
		return bsign(a.frame.extendedCANID > b.frame.extendedCANID)
	}
	// Distinct sequence numbers make the order total.
	return bsign(a.seq > b.seq)
}

func txFactory(userRef any) *TreeNode {
	return &userRef.(*txQueueItem).base
}

// push splits one transfer into frames and enqueues them all, or none on
// failure.
func (q *txQueue) push(src NodeID, deadline time.Time, meta TransferMetadata, payload []byte) error {
	plMTU := adjustPresentationLayerMTU(q.mtu)
	canID, err := makeCANID(meta, payload, src, plMTU)
	if err != nil {
		return err
	}
	if len(payload) > plMTU {
		return q.pushMultiFrame(deadline, canID, meta.TID, plMTU, payload)
	}
	return q.pushSingleFrame(deadline, canID, meta.TID, payload)
}

func (q *txQueue) peek() *txQueueItem {
	n := findExtremum(q.root, false)
	if n == nil {
		return nil
	}
	return txItemFromTree(n)
}

// pop removes item from the queue and returns it. A nil item pops the
// highest-priority frame. The storage stays acquired until free is called.
func (q *txQueue) pop(item *txQueueItem) *txQueueItem {
	if item == nil {
		item = q.peek()
		if item == nil {
			panic("attempted to pop with no items in queue")
		}
	}
	remove(&q.root, &item.base)
	q.size--
	return item
}

func (q *txQueue) free(item *txQueueItem) {
	q.mem.Release(txItemSize)
}

// release drops every queued frame, returning the pool bytes.
func (q *txQueue) release() {
	traversePostOrder(q.root, func(n *TreeNode) {
		q.free(txItemFromTree(n))
	})
	q.root = nil
	q.size = 0
}

// Chain of TX frames prepared for insertion into the queue.
type txChain struct {
	head *txItem
	tail *txItem
	size int
}

func adjustPresentationLayerMTU(mtuBytes int) (mtu int) {
	switch {
	case mtuBytes < MTUCANClassic:
		mtu = MTUCANClassic
	case mtuBytes <= len(canLengthToDLC)-1:
		mtu = int(canDLCToLength[canLengthToDLC[mtuBytes]])
	default:
		mtu = int(canDLCToLength[canLengthToDLC[len(canLengthToDLC)-1]])
	}
	return mtu - 1 // Tail byte.
}

func roundFramePayloadSizeUp(x int) int {
	return int(canDLCToLength[canLengthToDLC[x]])
}

func makeCANID(meta TransferMetadata, payload []byte, local NodeID, plMTU int) (uint32, error) {
	if plMTU <= 0 {
		return 0, ErrInvalidArgument
	}
	var out uint32
	switch {
	case meta.Kind == KindMessage && meta.Remote.IsUnset() && meta.Port <= SubjectIDMax:
		if local <= CANNodeIDMax {
			out = makeMessageSessionSpecifier(meta.Port, local)
		} else if len(payload) <= plMTU {
			// Anonymous transfers are single-frame only; the pseudo source
			// node id is derived from the payload to reduce collisions.
			c := NodeID(newCRC().Add(payload)) & CANNodeIDMax
			out = makeMessageSessionSpecifier(meta.Port, c) | flagAnonymousMessage
		} else {
			return 0, ErrAnonymous
		}
	case (meta.Kind == KindRequest || meta.Kind == KindResponse) && meta.Remote.IsSet() && meta.Port <= ServiceIDMax:
		if local > CANNodeIDMax {
			return 0, ErrInvalidNodeID
		}
		if meta.Remote > CANNodeIDMax {
			return 0, ErrBadDstAddr
		}
		out = makeServiceSessionSpecifier(meta.Port, meta.Kind, local, meta.Remote)
	default:
		return 0, ErrInvalidArgument
	}
	if meta.Priority >= numOfPriorities {
		return 0, ErrInvalidArgument
	}
	out |= uint32(meta.Priority) << offsetPriority
	return out, nil
}

func makeMessageSessionSpecifier(subject PortID, src NodeID) uint32 {
	if src > CANNodeIDMax || subject > SubjectIDMax {
		panic("bad src or subject")
	}
	aux := uint32(subject) | (SubjectIDMax + 1) | ((SubjectIDMax + 1) * 2)
	return uint32(src) | aux<<offsetSubjectID
}

func makeServiceSessionSpecifier(service PortID, kind TransferKind, src, dst NodeID) (spec uint32) {
	switch {
	case kind != KindResponse && kind != KindRequest:
		panic("kind must be response or request")
	case src > CANNodeIDMax || dst > CANNodeIDMax:
		panic("src and dst must be set")
	case service > ServiceIDMax:
		panic("serviceID > max")
	}
	spec = uint32(src) | uint32(dst)<<offsetDstNodeID
	spec |= uint32(service) << offsetServiceID
	spec |= uint32(b2i(kind == KindRequest)) << 24
	spec |= flagServiceNotMessage
	return spec
}

func (q *txQueue) newItem(deadline time.Time, frameWithTailSize int, canID uint32) (*txItem, error) {
	if !q.mem.Acquire(txItemSize) {
		return nil, ErrMemory
	}
	q.seq++
	item := &txItem{
		base: txQueueItem{
			deadline: deadline,
			seq:      q.seq,
			frame: canFrame{
				payloadSize:   frameWithTailSize,
				extendedCANID: canID,
			},
		},
	}
	item.base.frame.payload = item.payloadBuffer[:]
	return item, nil
}

func (q *txQueue) pushSingleFrame(deadline time.Time, canID uint32, tid TransferID, payload []byte) error {
	framePayloadSize := roundFramePayloadSizeUp(len(payload) + 1)
	if q.size+1 > q.cap {
		return ErrCapacity
	}
	item, err := q.newItem(deadline, framePayloadSize, canID)
	if err != nil {
		return err
	}
	copy(item.payloadBuffer[:], payload)
	// Padding bytes stay zero; set the tail byte.
	item.payloadBuffer[framePayloadSize-1] = byte(tailByte(true, true, true, tid))
	res, existed, err := search(&q.root, &item.base, predicateTx, txFactory)
	if err != nil || existed || res != &item.base.base {
		panic("bad AVL search result")
	}
	q.size++
	return nil
}

func (q *txQueue) pushMultiFrame(deadline time.Time, canID uint32, tid TransferID, plMTU int, payload []byte) error {
	const crcSize = 2
	payloadSizeWithCRC := len(payload) + crcSize
	numFrames := (payloadSizeWithCRC + plMTU - 1) / plMTU
	if numFrames < 2 {
		panic("unreachable: multi-frame push used for single frame transfer")
	}
	if q.size+numFrames > q.cap {
		return ErrCapacity
	}
	chain, err := q.generateMultiFrameChain(deadline, canID, tid, plMTU, payload)
	if err != nil {
		return err
	}
	next := &chain.head.base
	for next != nil {
		res, existed, serr := search(&q.root, next, predicateTx, txFactory)
		if serr != nil || existed || res != &next.base {
			panic("bad search result")
		}
		next = next.nextInTransfer
	}
	if numFrames != chain.size {
		panic("unexpected frame count in multi-frame transfer")
	}
	q.size += chain.size
	return nil
}

func (q *txQueue) generateMultiFrameChain(deadline time.Time, canID uint32, tid TransferID, plMTU int, payload []byte) (txChain, error) {
	switch {
	case plMTU <= 0:
		panic("bad presentation layer MTU")
	case len(payload) <= plMTU:
		panic("multi frame needs larger than MTU payload size")
	}
	const crcSize = 2
	var chain txChain
	payloadSize := len(payload)
	payloadSizeWithCRC := payloadSize + crcSize
	crc := newCRC().Add(payload)
	toggle := true // Initial toggle state.
	offset := 0
	rest := payload
	for offset < payloadSizeWithCRC {
		chain.size++
		var frameWithTailSize int
		if payloadSizeWithCRC-offset < plMTU {
			frameWithTailSize = roundFramePayloadSizeUp(payloadSizeWithCRC - offset + 1)
		} else {
			frameWithTailSize = plMTU + 1
		}
		item, err := q.newItem(deadline, frameWithTailSize, canID)
		if err != nil {
			// Roll the whole chain back; the queue takes all frames or none.
			for it := chain.head; it != nil; {
				nx := it.base.nextInTransfer
				q.mem.Release(txItemSize)
				if nx == nil {
					break
				}
				it = (*txItem)(unsafe.Pointer(nx))
			}
			return txChain{}, err
		}
		if chain.head == nil {
			chain.head = item
		} else {
			chain.tail.base.nextInTransfer = &item.base
		}
		chain.tail = item

		framePayloadSize := frameWithTailSize - 1
		frameOffset := 0
		if offset < payloadSize {
			moveSize := payloadSize - offset
			if moveSize > framePayloadSize {
				moveSize = framePayloadSize
			}
			copy(item.payloadBuffer[:], rest[:moveSize])
			frameOffset += moveSize
			offset += moveSize
			rest = rest[moveSize:]
		}

		if offset >= payloadSize {
			// Last frame of the transfer: padding and transfer CRC.
			for frameOffset+crcSize < framePayloadSize {
				// Padding is included in the CRC computation.
				item.payloadBuffer[frameOffset] = 0
				frameOffset++
				crc = crc.AddByte(0)
			}
			if frameOffset < framePayloadSize && offset == payloadSize {
				item.payloadBuffer[frameOffset] = byte(crc >> 8)
				frameOffset++
				offset++
			}
			if frameOffset < framePayloadSize && offset > payloadSize {
				item.payloadBuffer[frameOffset] = byte(crc & 0xff)
				frameOffset++
				offset++
			}
		}

		if frameOffset+1 != item.base.frame.payloadSize {
			panic("frame payload accounting mismatch")
		}
		item.payloadBuffer[frameOffset] = byte(tailByte(chain.head == chain.tail, offset >= payloadSizeWithCRC, toggle, tid))
		toggle = !toggle
	}
	return chain, nil
}
