package cyphal

import (
	"encoding"
	"log/slog"
)

// Subscriber is the typed message reception facade. Instances for the same
// subject share one implementation (and one transport session); every
// facade's handler sees every accepted transfer.
//
// The PT parameter names the pointer type of T and carries the
// deserialization capability, so that handlers receive a plain *T.
type Subscriber[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}] struct {
	impl      *subscriberImpl
	handlerID uint64
	closed    bool
}

// MakeSubscriber opens a typed subscription on subject. extent is the size
// of the reassembly buffer: the maximum serialized size of T, considering
// also possible future versions with new fields. onMessage fires from
// within executor spins; a nil handler subscribes without delivery (useful
// to keep acceptance filters open).
func MakeSubscriber[T any, PT interface {
	*T
	encoding.BinaryUnmarshaler
}](p *Presentation, subject PortID, extent int, onMessage func(msg *T, meta TransferMetadata)) (*Subscriber[T, PT], error) {
	impl, err := p.getSubscriberImpl(subject, extent)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber[T, PT]{impl: impl}
	if onMessage != nil {
		sub.handlerID = impl.addHandler(func(tr *Transfer) {
			msg := new(T)
			if derr := PT(msg).UnmarshalBinary(tr.Payload); derr != nil {
				p.log.Warn("subscriber deserialization failed",
					slog.Uint64("subject", uint64(subject)), slog.Any("err", derr))
				return
			}
			onMessage(msg, tr.TransferMetadata)
		})
	}
	return sub, nil
}

// Subject reports the subject id this subscriber is bound to.
func (sub *Subscriber[T, PT]) Subject() PortID { return sub.impl.port }

// Close detaches the handler and releases this facade's reference. Double
// close is a no-op.
func (sub *Subscriber[T, PT]) Close() error {
	if sub.closed {
		return nil
	}
	sub.closed = true
	if sub.handlerID != 0 {
		sub.impl.removeHandler(sub.handlerID)
	}
	sub.impl.unref()
	return nil
}
