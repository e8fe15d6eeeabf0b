package cyphal

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testReading is a little sensor message exercising the typed facades.
type testReading struct {
	Seq   uint32
	Value int32
}

func (r *testReading) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out, r.Seq)
	binary.LittleEndian.PutUint32(out[4:], uint32(r.Value))
	return out, nil
}

func (r *testReading) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return ErrSerialization
	}
	r.Seq = binary.LittleEndian.Uint32(data)
	r.Value = int32(binary.LittleEndian.Uint32(data[4:]))
	return nil
}

var readingService = ServiceDesc[testReading, testReading]{
	RequestExtent:  16,
	ResponseExtent: 16,
}

// presentationPair wires two presentations over a loopback CAN bus.
type presentationPair struct {
	clk  *manualClock
	exec *SingleThreadedExecutor
	mem  *TrackingMemoryResource
	bus  *canBus
	a, b *Presentation
	ta   *CANTransport
	tb   *CANTransport
}

func newPresentationPair(t *testing.T) *presentationPair {
	t.Helper()
	p := &presentationPair{
		clk: newManualClock(),
		mem: &TrackingMemoryResource{},
		bus: newCANBus(MTUCANFD, 2),
	}
	p.exec = NewSingleThreadedExecutor(p.mem, p.clk)
	var err error
	p.ta, err = NewCANTransport(CANTransportConfig{
		Memory: p.mem, Executor: p.exec, Media: []Media{p.bus.media[0]}, LocalNodeID: 1,
	})
	require.NoError(t, err)
	p.tb, err = NewCANTransport(CANTransportConfig{
		Memory: p.mem, Executor: p.exec, Media: []Media{p.bus.media[1]}, LocalNodeID: 2,
	})
	require.NoError(t, err)
	p.a = NewPresentation(p.mem, p.exec, p.ta)
	p.b = NewPresentation(p.mem, p.exec, p.tb)
	return p
}

// run fires due callbacks and then delivers pending traffic on both sides.
func (p *presentationPair) run() {
	p.exec.SpinOnce()
	p.ta.Run(p.clk.Now())
	p.tb.Run(p.clk.Now())
}

func TestPresentationPublishSubscribe(t *testing.T) {
	p := newPresentationPair(t)
	var got []*testReading
	sub, err := MakeSubscriber[testReading](p.b, 1000, 16, func(msg *testReading, meta TransferMetadata) {
		got = append(got, msg)
		require.Equal(t, NodeID(1), meta.Remote)
	})
	require.NoError(t, err)

	pub, err := MakePublisher[*testReading](p.a, 1000)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{Seq: uint32(i), Value: -7}))
	}
	p.run()
	require.Len(t, got, 3)
	for i, msg := range got {
		require.Equal(t, uint32(i), msg.Seq)
		require.Equal(t, int32(-7), msg.Value)
	}
	require.NoError(t, pub.Close())
	require.NoError(t, sub.Close())
}

func TestPresentationSharedPublisher(t *testing.T) {
	p := newPresentationPair(t)
	pub1, err := MakePublisher[*testReading](p.a, 500)
	require.NoError(t, err)
	pub2, err := MakePublisher[*testReading](p.a, 500)
	require.NoError(t, err)
	require.Same(t, pub1.impl, pub2.impl, "same-subject publishers must share one implementation")
	require.Equal(t, 2, pub1.impl.refCount)

	require.NoError(t, pub1.Close())
	require.NoError(t, pub1.Close()) // Double close is a no-op.
	require.Equal(t, 1, pub2.impl.refCount)
	// The survivor must still work.
	require.NoError(t, pub2.Publish(p.clk.Now().Add(time.Second), &testReading{}))
	require.NoError(t, pub2.Close())
}

func TestPresentationSharedSubscriberFanout(t *testing.T) {
	p := newPresentationPair(t)
	hits1, hits2 := 0, 0
	sub1, err := MakeSubscriber[testReading](p.b, 600, 16, func(*testReading, TransferMetadata) { hits1++ })
	require.NoError(t, err)
	sub2, err := MakeSubscriber[testReading](p.b, 600, 16, func(*testReading, TransferMetadata) { hits2++ })
	require.NoError(t, err)
	require.Same(t, sub1.impl, sub2.impl)

	pub, err := MakePublisher[*testReading](p.a, 600)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{Seq: 1}))
	p.run()
	require.Equal(t, 1, hits1)
	require.Equal(t, 1, hits2)

	// Detaching one facade must not silence the other.
	require.NoError(t, sub1.Close())
	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{Seq: 2}))
	p.run()
	require.Equal(t, 1, hits1)
	require.Equal(t, 2, hits2)
	require.NoError(t, sub2.Close())
	require.NoError(t, pub.Close())
}

func TestPresentationClientServer(t *testing.T) {
	p := newPresentationPair(t)
	srv, err := MakeServer(p.b, readingService, 77,
		func(req *testReading, meta TransferMetadata, respond func(*testReading) error) {
			require.Equal(t, NodeID(1), meta.Remote)
			require.NoError(t, respond(&testReading{Seq: req.Seq, Value: req.Value * 2}))
			require.Error(t, respond(&testReading{}), "second respond for one request must fail")
		})
	require.NoError(t, err)

	cli, err := MakeClient(p.a, readingService, 77, 2)
	require.NoError(t, err)

	var resp *testReading
	var callErr error
	err = cli.Call(p.clk.Now().Add(time.Second), &testReading{Seq: 5, Value: 21}, func(r *testReading, e error) {
		resp, callErr = r, e
	})
	require.NoError(t, err)
	p.run() // Request to server, response staged.
	p.run() // Response back to client.
	require.NoError(t, callErr)
	require.NotNil(t, resp)
	require.Equal(t, uint32(5), resp.Seq)
	require.Equal(t, int32(42), resp.Value)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestPresentationCallTimeout(t *testing.T) {
	p := newPresentationPair(t)
	// No server exists; the call must time out through the executor.
	cli, err := MakeClient(p.a, readingService, 88, 2)
	require.NoError(t, err)
	var gotErr error
	fired := 0
	err = cli.Call(p.clk.Now().Add(100*time.Millisecond), &testReading{}, func(r *testReading, e error) {
		fired++
		gotErr = e
	})
	require.NoError(t, err)
	p.run()
	require.Zero(t, fired, "callback must not fire before the deadline")
	p.clk.advance(200 * time.Millisecond)
	p.run()
	require.Equal(t, 1, fired)
	require.ErrorIs(t, gotErr, ErrTimeout)
	require.NoError(t, cli.Close())
}

func TestPresentationDeferredResponseExpires(t *testing.T) {
	p := newPresentationPair(t)
	var respond func(*testReading) error
	srv, err := MakeServer(p.b, readingService, 66,
		func(req *testReading, meta TransferMetadata, r func(*testReading) error) {
			respond = r
		})
	require.NoError(t, err)
	cli, err := MakeClient(p.a, readingService, 66, 2)
	require.NoError(t, err)
	require.NoError(t, cli.Call(p.clk.Now().Add(10*time.Second), &testReading{}, nil))
	p.run()
	require.NotNil(t, respond, "handler must receive a deferrable continuation")
	p.clk.advance(p.b.ResponseTimeout + time.Millisecond)
	p.run() // The deadline one-shot retires the continuation.
	require.ErrorIs(t, respond(&testReading{}), ErrTimeout)
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestPresentationExclusiveServer(t *testing.T) {
	p := newPresentationPair(t)
	handler := func(*testReading, TransferMetadata, func(*testReading) error) {}
	srv, err := MakeServer(p.b, readingService, 99, handler)
	require.NoError(t, err)
	_, err = MakeServer(p.b, readingService, 99, handler)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, srv.Close())
	// The service is rebindable after close.
	srv2, err := MakeServer(p.b, readingService, 99, handler)
	require.NoError(t, err)
	require.NoError(t, srv2.Close())
}

func TestPresentationTeardownBalancesMemory(t *testing.T) {
	p := newPresentationPair(t)
	pub, err := MakePublisher[*testReading](p.a, 11)
	require.NoError(t, err)
	sub, err := MakeSubscriber[testReading](p.b, 11, 16, func(*testReading, TransferMetadata) {})
	require.NoError(t, err)
	cli, err := MakeClient(p.a, readingService, 12, 2)
	require.NoError(t, err)
	srv, err := MakeServer(p.b, readingService, 12,
		func(*testReading, TransferMetadata, func(*testReading) error) {})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{}))
	p.run()

	require.NoError(t, pub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
	require.Zero(t, p.a.Close(), "facade-driven teardown must leave nothing behind")
	require.Zero(t, p.b.Close())
	require.NoError(t, p.ta.Close())
	require.NoError(t, p.tb.Close())
	require.Zero(t, p.exec.Release())
	require.Zero(t, p.mem.InUseBytes(), "every acquired byte must be released by teardown")
}
