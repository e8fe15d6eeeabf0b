package cyphal

import (
	"encoding"
	"time"
)

// Publisher is the typed message publishing facade. Instances for the same
// subject share one implementation (and one transport session); each facade
// carries its own priority setting.
type Publisher[T encoding.BinaryMarshaler] struct {
	impl *publisherImpl
	// Priority applied to every published transfer. Nominal by default.
	Priority Priority
	closed   bool
}

// MakePublisher opens a typed publisher on subject. The returned facade
// must be closed before the presentation layer is torn down.
func MakePublisher[T encoding.BinaryMarshaler](p *Presentation, subject PortID) (*Publisher[T], error) {
	impl, err := p.getPublisherImpl(subject)
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{impl: impl, Priority: PriorityNominal}, nil
}

// Publish serializes msg and enqueues it for multicast transmission. The
// deadline bounds how long the transport may keep frames staged.
func (pub *Publisher[T]) Publish(deadline time.Time, msg T) error {
	if pub.closed {
		return ErrClosed
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return wrapSerialization(err)
	}
	return pub.impl.publish(pub.Priority, deadline, payload)
}

// Subject reports the subject id this publisher is bound to.
func (pub *Publisher[T]) Subject() PortID { return pub.impl.port }

// Close releases this facade's reference. The shared implementation and its
// transport session are destroyed when the last facade closes. Double close
// is a no-op.
func (pub *Publisher[T]) Close() error {
	if pub.closed {
		return nil
	}
	pub.closed = true
	pub.impl.unref()
	return nil
}
