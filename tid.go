package cyphal

// SessionKey identifies a transfer-id counter: one per (port, remote node)
// pair. Broadcast message sessions use NodeIDUnset as the remote.
type SessionKey struct {
	Port   PortID
	Remote NodeID
}

// TransferIDMap persists per-session transfer-id counters so that ids
// survive session recreation. The core queries it on every send; a nil map
// on a transport makes ids ephemeral (reset each session).
type TransferIDMap interface {
	GetID(key SessionKey) TransferID
	SetID(key SessionKey, id TransferID)
}

// EphemeralTIDMap keeps counters in process memory only. The zero value is
// ready to use.
type EphemeralTIDMap struct {
	ids map[SessionKey]TransferID
}

func (m *EphemeralTIDMap) GetID(key SessionKey) TransferID {
	return m.ids[key]
}

func (m *EphemeralTIDMap) SetID(key SessionKey, id TransferID) {
	if m.ids == nil {
		m.ids = make(map[SessionKey]TransferID)
	}
	m.ids[key] = id
}

// nextTransferID advances the counter for key and returns the id to use
// for the current transmission, wrapping at modulo.
func nextTransferID(m TransferIDMap, key SessionKey, modulo TransferID) TransferID {
	if m == nil {
		return 0
	}
	id := m.GetID(key)
	next := id + 1
	if modulo != 0 {
		next %= modulo
	}
	m.SetID(key, next)
	return id
}
