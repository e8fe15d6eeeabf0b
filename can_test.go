package cyphal

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTailByte(t *testing.T) {
	for _, tc := range []struct {
		start, end, toggle bool
		tid                TransferID
		want               Tail
	}{
		{true, true, true, 0, 0b1110_0000},
		{true, true, true, 5, 0b1110_0101},
		{true, false, true, 31, 0b1011_1111},
		{false, false, false, 1, 0b0000_0001},
		{false, true, true, 30, 0b0111_1110},
	} {
		got := tailByte(tc.start, tc.end, tc.toggle, tc.tid)
		if got != tc.want {
			t.Errorf("tailByte(%v,%v,%v,%d) = %08b, want %08b",
				tc.start, tc.end, tc.toggle, tc.tid, got, tc.want)
		}
		if got.IsStart() != tc.start || got.IsEnd() != tc.end || got.IsToggled() != tc.toggle || got.TransferID() != tc.tid {
			t.Errorf("tail %08b does not decode back", got)
		}
	}
}

func TestMakeCANIDMessage(t *testing.T) {
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, Port: 7509, Remote: NodeIDUnset}
	id, err := makeCANID(meta, nil, 42, 7)
	if err != nil {
		t.Fatal(err)
	}
	if id&CANNodeIDMax != 42 {
		t.Errorf("source field %d, want 42", id&CANNodeIDMax)
	}
	if got := PortID(id >> offsetSubjectID & SubjectIDMax); got != 7509 {
		t.Errorf("subject field %d, want 7509", got)
	}
	if got := Priority(id >> offsetPriority & PriorityMax); got != PriorityNominal {
		t.Errorf("priority field %d, want %d", got, PriorityNominal)
	}
	if id&flagServiceNotMessage != 0 {
		t.Error("message frame must not carry the service flag")
	}
}

func TestMakeCANIDService(t *testing.T) {
	meta := TransferMetadata{Priority: PriorityFast, Kind: KindRequest, Port: 511, Remote: 3}
	id, err := makeCANID(meta, nil, 42, 7)
	if err != nil {
		t.Fatal(err)
	}
	if id&flagServiceNotMessage == 0 || id&flagRequestNotResponse == 0 {
		t.Errorf("service request flags missing from %029b", id)
	}
	if got := NodeID(id >> offsetDstNodeID & CANNodeIDMax); got != 3 {
		t.Errorf("destination field %d, want 3", got)
	}
	meta.Kind = KindResponse
	id, err = makeCANID(meta, nil, 42, 7)
	if err != nil {
		t.Fatal(err)
	}
	if id&flagRequestNotResponse != 0 {
		t.Error("response frame must clear the request flag")
	}
}

func TestMakeCANIDAnonymous(t *testing.T) {
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, Port: 10, Remote: NodeIDUnset}
	id, err := makeCANID(meta, []byte{1, 2, 3}, NodeIDUnset, 7)
	if err != nil {
		t.Fatal(err)
	}
	if id&flagAnonymousMessage == 0 {
		t.Error("anonymous flag missing")
	}
	// Anonymous transfers must fit a single frame.
	if _, err = makeCANID(meta, bytes.Repeat([]byte{0}, 100), NodeIDUnset, 7); err != ErrAnonymous {
		t.Fatalf("got %v, want ErrAnonymous", err)
	}
	// Services require an addressed local node.
	meta = TransferMetadata{Kind: KindRequest, Port: 1, Remote: 3}
	if _, err = makeCANID(meta, nil, NodeIDUnset, 7); err != ErrInvalidNodeID {
		t.Fatalf("got %v, want ErrInvalidNodeID", err)
	}
}

func TestRoundFramePayloadSizeUp(t *testing.T) {
	for _, tc := range [][2]int{{0, 0}, {7, 7}, {8, 8}, {9, 12}, {13, 16}, {25, 32}, {33, 48}, {64, 64}} {
		if got := roundFramePayloadSizeUp(tc[0]); got != tc[1] {
			t.Errorf("roundFramePayloadSizeUp(%d) = %d, want %d", tc[0], got, tc[1])
		}
	}
}

func TestTxQueueSingleFrame(t *testing.T) {
	q := &txQueue{cap: 4, mtu: MTUCANClassic, mem: unboundedResource{}}
	meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, Port: 100, Remote: NodeIDUnset, TID: 7}
	err := q.push(9, time.Time{}, meta, []byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	if q.size != 1 {
		t.Fatalf("queue size %d, want 1", q.size)
	}
	item := q.peek()
	if item.frame.payloadSize != 3 {
		t.Fatalf("frame size %d, want payload+tail=3", item.frame.payloadSize)
	}
	tail := Tail(item.frame.payload[2])
	if !tail.IsStart() || !tail.IsEnd() || !tail.IsToggled() || tail.TransferID() != 7 {
		t.Fatalf("bad single-frame tail %08b", tail)
	}
}

func TestTxQueuePriorityOrder(t *testing.T) {
	q := &txQueue{cap: 8, mtu: MTUCANClassic, mem: unboundedResource{}}
	low := TransferMetadata{Priority: PriorityOptional, Kind: KindMessage, Port: 5, Remote: NodeIDUnset}
	high := TransferMetadata{Priority: PriorityExceptional, Kind: KindMessage, Port: 5, Remote: NodeIDUnset}
	if err := q.push(1, time.Time{}, low, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := q.push(1, time.Time{}, high, []byte{2}); err != nil {
		t.Fatal(err)
	}
	// Lower CAN ID wins arbitration and must pop first.
	first := q.pop(nil)
	second := q.pop(nil)
	if first.frame.extendedCANID >= second.frame.extendedCANID {
		t.Fatalf("pop order violates arbitration: %x then %x",
			first.frame.extendedCANID, second.frame.extendedCANID)
	}
	if first.frame.payload[0] != 2 {
		t.Fatal("high priority frame did not pop first")
	}
}

func TestTxQueueCapacity(t *testing.T) {
	q := &txQueue{cap: 2, mtu: MTUCANClassic, mem: unboundedResource{}}
	meta := TransferMetadata{Kind: KindMessage, Port: 5, Remote: NodeIDUnset}
	if err := q.push(1, time.Time{}, meta, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := q.push(1, time.Time{}, meta, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if err := q.push(1, time.Time{}, meta, []byte{3}); err != ErrCapacity {
		t.Fatalf("got %v, want ErrCapacity", err)
	}
	// A multi-frame transfer that does not fit entirely must stage nothing.
	q2 := &txQueue{cap: 2, mtu: MTUCANClassic, mem: unboundedResource{}}
	if err := q2.push(1, time.Time{}, meta, bytes.Repeat([]byte{7}, 30)); err != ErrCapacity {
		t.Fatalf("got %v, want ErrCapacity for oversized chain", err)
	}
	if q2.size != 0 {
		t.Fatalf("partial chain staged: size %d", q2.size)
	}
}

func TestTxQueueMemoryExhaustion(t *testing.T) {
	mem := &TrackingMemoryResource{Limit: 2 * txItemSize}
	q := &txQueue{cap: 100, mtu: MTUCANClassic, mem: mem}
	meta := TransferMetadata{Kind: KindMessage, Port: 5, Remote: NodeIDUnset}
	// 30 bytes + CRC needs 5 frames at MTU 8; only 2 items fit.
	if err := q.push(1, time.Time{}, meta, bytes.Repeat([]byte{7}, 30)); err != ErrMemory {
		t.Fatalf("got %v, want ErrMemory", err)
	}
	if q.size != 0 || mem.InUseBytes() != 0 {
		t.Fatalf("failed push leaked: size=%d inuse=%d", q.size, mem.InUseBytes())
	}
}

// reassemble feeds every queued frame of q through the RX pipeline.
func reassemble(t *testing.T, q *txQueue, node *sessionNode, ts time.Time) *Transfer {
	t.Helper()
	ss := node.state.(*canRxSessionState)
	var out *Transfer
	for q.size > 0 {
		item := q.pop(nil)
		var frame canFrameModel
		err := parseCANFrame(ts, item.frame.extendedCANID, item.frame.payload[:item.frame.payloadSize], &frame)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		tr, err := ss.accept(unboundedResource{}, node, &frame, 0)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if tr != nil {
			out = tr
		}
	}
	return out
}

func TestCANSingleFrameRoundTrip(t *testing.T) {
	q := &txQueue{cap: 8, mtu: MTUCANClassic, mem: unboundedResource{}}
	payload := []byte{1, 2, 3, 4}
	meta := TransferMetadata{Priority: PriorityHigh, Kind: KindMessage, Port: 77, Remote: NodeIDUnset, TID: 3}
	if err := q.push(9, time.Time{}, meta, payload); err != nil {
		t.Fatal(err)
	}
	node := &sessionNode{port: 77, extent: 16, tidTimeout: DefaultTransferIDTimeout, remote: NodeIDUnset, state: &canRxSessionState{}}
	tr := reassemble(t, q, node, time.Unix(500, 0))
	if tr == nil {
		t.Fatal("no transfer reassembled")
	}
	if !bytes.Equal(tr.Payload, payload) {
		t.Fatalf("payload %x, want %x", tr.Payload, payload)
	}
	if tr.Remote != 9 || tr.TID != 3 || tr.Priority != PriorityHigh || tr.Port != 77 {
		t.Fatalf("bad metadata: %+v", tr.TransferMetadata)
	}
}

func TestCANMultiFrameRoundTrip(t *testing.T) {
	for _, size := range []int{8, 20, 61, 62, 63, 100} {
		q := &txQueue{cap: 64, mtu: MTUCANClassic, mem: unboundedResource{}}
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		meta := TransferMetadata{Priority: PriorityNominal, Kind: KindMessage, Port: 500, Remote: NodeIDUnset, TID: 1}
		if err := q.push(4, time.Time{}, meta, payload); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if q.size < 2 {
			t.Fatalf("size %d: expected multi-frame split, got %d frames", size, q.size)
		}
		node := &sessionNode{port: 500, extent: 128, tidTimeout: DefaultTransferIDTimeout, remote: NodeIDUnset, state: &canRxSessionState{}}
		tr := reassemble(t, q, node, time.Unix(500, 0))
		if tr == nil {
			t.Fatalf("size %d: no transfer reassembled", size)
		}
		if !bytes.Equal(tr.Payload, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestCANMultiFrameTruncatesToExtent(t *testing.T) {
	q := &txQueue{cap: 64, mtu: MTUCANClassic, mem: unboundedResource{}}
	payload := bytes.Repeat([]byte{0xab}, 50)
	meta := TransferMetadata{Kind: KindMessage, Port: 500, Remote: NodeIDUnset}
	if err := q.push(4, time.Time{}, meta, payload); err != nil {
		t.Fatal(err)
	}
	node := &sessionNode{port: 500, extent: 10, tidTimeout: DefaultTransferIDTimeout, remote: NodeIDUnset, state: &canRxSessionState{}}
	tr := reassemble(t, q, node, time.Unix(500, 0))
	if tr == nil {
		t.Fatal("no transfer reassembled")
	}
	if !bytes.Equal(tr.Payload, payload[:10]) {
		t.Fatalf("truncated payload %x, want first 10 bytes", tr.Payload)
	}
}

func TestParseCANFrameRejectsJunk(t *testing.T) {
	var out canFrameModel
	ts := time.Unix(500, 0)
	if err := parseCANFrame(ts, 0x100, nil, &out); err == nil {
		t.Error("empty payload must be rejected")
	}
	good := makeMessageSessionSpecifier(100, 42)
	// Initial toggle must be set on the first frame.
	bad := []byte{1, 2, byte(tailByte(true, true, false, 0))}
	if err := parseCANFrame(ts, good, bad, &out); err == nil {
		t.Error("bad initial toggle must be rejected")
	}
	// Reserved bit 23 must be clear.
	if err := parseCANFrame(ts, good|1<<23, []byte{byte(tailByte(true, true, true, 0))}, &out); err == nil {
		t.Error("reserved bit 23 must be rejected")
	}
	if err := parseCANFrame(ts, good, []byte{1, byte(tailByte(true, true, true, 0))}, &out); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}
}

func newLoopbackCANTransport(t *testing.T, exec Executor, m *loopbackMedia, local NodeID) (*CANTransport, *TrackingMemoryResource) {
	t.Helper()
	mem := &TrackingMemoryResource{}
	tr, err := NewCANTransport(CANTransportConfig{
		Memory:      mem,
		Executor:    exec,
		Media:       []Media{m},
		LocalNodeID: local,
	})
	require.NoError(t, err)
	return tr, mem
}

func TestCANTransportMessageLoopback(t *testing.T) {
	clk := newManualClock()
	exec := NewSingleThreadedExecutor(nil, clk)
	bus := newCANBus(MTUCANClassic, 2)
	t1, mem1 := newLoopbackCANTransport(t, exec, bus.media[0], 1)
	t2, mem2 := newLoopbackCANTransport(t, exec, bus.media[1], 2)

	rx, err := t2.NewMessageRxSession(MessageRxParams{Extent: 64, Subject: 100})
	require.NoError(t, err)
	var got []*Transfer
	rx.SetOnReceive(func(tr *Transfer) { got = append(got, tr) })

	tx, err := t1.NewMessageTxSession(MessageTxParams{Subject: 100})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, 20) // Multi-frame at classic MTU.
	err = tx.Send(TransferMetadata{Priority: PriorityNominal, TID: 0}, clk.Now().Add(time.Second), payload)
	require.NoError(t, err)

	t2.Run(clk.Now())
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0].Payload)
	require.Equal(t, NodeID(1), got[0].Remote)
	require.Equal(t, PortID(100), got[0].Port)

	// Acceptance filters must cover the active subscription.
	require.NotEmpty(t, bus.media[1].filters)

	require.NoError(t, t1.Close())
	require.NoError(t, t2.Close())
	require.Zero(t, mem1.InUseBytes())
	require.Zero(t, mem2.InUseBytes())
	require.Zero(t, bus.media[0].txMem.InUseBytes())
	require.Zero(t, bus.media[1].txMem.InUseBytes())
}

func TestCANTransportServiceLoopback(t *testing.T) {
	clk := newManualClock()
	exec := NewSingleThreadedExecutor(nil, clk)
	bus := newCANBus(MTUCANFD, 2)
	client, _ := newLoopbackCANTransport(t, exec, bus.media[0], 10)
	server, _ := newLoopbackCANTransport(t, exec, bus.media[1], 20)

	reqRx, err := server.NewRequestRxSession(RequestRxParams{Extent: 64, Service: 200})
	require.NoError(t, err)
	respTx, err := server.NewResponseTxSession(ResponseTxParams{Service: 200})
	require.NoError(t, err)
	reqRx.SetOnReceive(func(tr *Transfer) {
		err := respTx.Send(TransferMetadata{
			Priority: tr.Priority, Remote: tr.Remote, TID: tr.TID,
		}, clk.Now().Add(time.Second), append([]byte("ack:"), tr.Payload...))
		require.NoError(t, err)
	})

	respRx, err := client.NewResponseRxSession(ResponseRxParams{Extent: 64, Service: 200, Server: 20})
	require.NoError(t, err)
	var resp *Transfer
	respRx.SetOnReceive(func(tr *Transfer) { resp = tr })

	reqTx, err := client.NewRequestTxSession(RequestTxParams{Service: 200, Server: 20})
	require.NoError(t, err)
	err = reqTx.Send(TransferMetadata{Priority: PriorityFast, TID: 4}, clk.Now().Add(time.Second), []byte("ping"))
	require.NoError(t, err)

	server.Run(clk.Now()) // Request in, response staged and flushed.
	client.Run(clk.Now()) // Response in.
	require.NotNil(t, resp)
	require.Equal(t, []byte("ack:ping"), resp.Payload)
	require.Equal(t, NodeID(20), resp.Remote)
	require.Equal(t, TransferID(4), resp.TID)
}

func TestCANTransportDoubleSubscriptionFails(t *testing.T) {
	clk := newManualClock()
	exec := NewSingleThreadedExecutor(nil, clk)
	bus := newCANBus(MTUCANClassic, 1)
	tr, _ := newLoopbackCANTransport(t, exec, bus.media[0], 1)
	_, err := tr.NewMessageRxSession(MessageRxParams{Extent: 8, Subject: 33})
	require.NoError(t, err)
	_, err = tr.NewMessageRxSession(MessageRxParams{Extent: 8, Subject: 33})
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = tr.NewRequestRxSession(RequestRxParams{Extent: 8, Service: 33})
	require.NoError(t, err, "same port in a different direction must be independent")
}

func TestCANTransportIgnoresForeignService(t *testing.T) {
	clk := newManualClock()
	exec := NewSingleThreadedExecutor(nil, clk)
	bus := newCANBus(MTUCANClassic, 2)
	t1, _ := newLoopbackCANTransport(t, exec, bus.media[0], 1)
	t2, _ := newLoopbackCANTransport(t, exec, bus.media[1], 2)

	rx, err := t2.NewRequestRxSession(RequestRxParams{Extent: 8, Service: 5})
	require.NoError(t, err)
	received := 0
	rx.SetOnReceive(func(*Transfer) { received++ })

	// Addressed to node 99, not node 2.
	tx, err := t1.NewRequestTxSession(RequestTxParams{Service: 5, Server: 99})
	require.NoError(t, err)
	require.NoError(t, tx.Send(TransferMetadata{}, clk.Now().Add(time.Second), []byte{1}))
	t2.Run(clk.Now())
	require.Zero(t, received)
}

func TestCANTransportAnonymousPublish(t *testing.T) {
	clk := newManualClock()
	exec := NewSingleThreadedExecutor(nil, clk)
	bus := newCANBus(MTUCANClassic, 2)
	anon, _ := newLoopbackCANTransport(t, exec, bus.media[0], NodeIDUnset)
	sub, _ := newLoopbackCANTransport(t, exec, bus.media[1], 2)

	rx, err := sub.NewMessageRxSession(MessageRxParams{Extent: 8, Subject: 8})
	require.NoError(t, err)
	var got *Transfer
	rx.SetOnReceive(func(tr *Transfer) { got = tr })

	tx, err := anon.NewMessageTxSession(MessageTxParams{Subject: 8})
	require.NoError(t, err)
	require.NoError(t, tx.Send(TransferMetadata{}, clk.Now().Add(time.Second), []byte{9}))
	sub.Run(clk.Now())
	require.NotNil(t, got)
	require.True(t, got.Remote.IsUnset(), "anonymous source must be reported unset")

	// Anonymous multi-frame is impossible.
	err = tx.Send(TransferMetadata{}, clk.Now().Add(time.Second), bytes.Repeat([]byte{1}, 20))
	require.ErrorIs(t, err, ErrAnonymous)
}
