package cyphal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextTransferIDWrapsAtModulo(t *testing.T) {
	m := &EphemeralTIDMap{}
	key := SessionKey{Port: 7, Remote: NodeIDUnset}
	for want := TransferID(0); want < CANTransferIDModulo; want++ {
		if got := nextTransferID(m, key, CANTransferIDModulo); got != want {
			t.Fatalf("id %d, want %d", got, want)
		}
	}
	if got := nextTransferID(m, key, CANTransferIDModulo); got != 0 {
		t.Fatalf("id %d after full cycle, want wrap to 0", got)
	}
}

func TestEphemeralTIDMapKeysAreIndependent(t *testing.T) {
	m := &EphemeralTIDMap{}
	a := SessionKey{Port: 1, Remote: NodeIDUnset}
	b := SessionKey{Port: 1, Remote: 9}
	nextTransferID(m, a, 0)
	nextTransferID(m, a, 0)
	if got := nextTransferID(m, b, 0); got != 0 {
		t.Fatalf("distinct keys must not share counters, got %d", got)
	}
	if got := nextTransferID(m, a, 0); got != 2 {
		t.Fatalf("counter for key a at %d, want 2", got)
	}
}

func TestPresentationTIDMapPersistsAcrossFacades(t *testing.T) {
	p := newPresentationPair(t)
	p.a.TIDMap = &EphemeralTIDMap{}
	var tids []TransferID
	_, err := MakeSubscriber[testReading](p.b, 42, 16, func(_ *testReading, meta TransferMetadata) {
		tids = append(tids, meta.TID)
	})
	require.NoError(t, err)

	pub, err := MakePublisher[*testReading](p.a, 42)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{}))
	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{}))
	require.NoError(t, pub.Close())

	// A recreated publisher must continue the sequence, not restart it.
	pub, err = MakePublisher[*testReading](p.a, 42)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(p.clk.Now().Add(time.Second), &testReading{}))
	p.run()
	require.Equal(t, []TransferID{0, 1, 2}, tids)
	require.NoError(t, pub.Close())
}
