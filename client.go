package cyphal

import (
	"encoding"
	"time"
)

// ServiceDesc fixes the request/response pairing of a service at compile
// time together with the reassembly extents. Req and Resp are the plain
// value types; describing a service once and passing the descriptor to both
// MakeClient and MakeServer keeps the two ends of the contract in one place
// and lets the type parameters be inferred at both.
type ServiceDesc[Req any, Resp any] struct {
	// RequestExtent and ResponseExtent size the reassembly buffers on the
	// server and client side respectively.
	RequestExtent  int
	ResponseExtent int
}

// Client is the typed RPC invocation facade. Instances for the same
// (service, server) pair share one implementation holding the request TX
// and response RX sessions and the in-flight call table.
//
// The PReq and PResp parameters name the pointer types of Req and Resp and
// carry the serialization capabilities; they are inferred from the service
// descriptor.
type Client[Req any, PReq interface {
	*Req
	encoding.BinaryMarshaler
}, Resp any, PResp interface {
	*Resp
	encoding.BinaryUnmarshaler
}] struct {
	impl *sharedClient
	// Priority applied to every request. Nominal by default.
	Priority Priority
	closed   bool
}

// MakeClient opens a typed client calling the given service on server.
func MakeClient[Req any, PReq interface {
	*Req
	encoding.BinaryMarshaler
}, Resp any, PResp interface {
	*Resp
	encoding.BinaryUnmarshaler
}](p *Presentation, desc ServiceDesc[Req, Resp], service PortID, server NodeID) (*Client[Req, PReq, Resp, PResp], error) {
	impl, err := p.getSharedClient(service, server, desc.ResponseExtent)
	if err != nil {
		return nil, err
	}
	return &Client[Req, PReq, Resp, PResp]{impl: impl, Priority: PriorityNominal}, nil
}

// Call serializes req, transmits it and arranges for onResponse to fire
// exactly once from an executor spin: with the decoded response, or with a
// non-nil error (ErrTimeout at the deadline, ErrClosed on teardown,
// ErrSerialization on an undecodable response). Call itself fails without
// invoking onResponse when the request cannot be enqueued.
func (c *Client[Req, PReq, Resp, PResp]) Call(deadline time.Time, req *Req, onResponse func(resp *Resp, err error)) error {
	if c.closed {
		return ErrClosed
	}
	payload, err := PReq(req).MarshalBinary()
	if err != nil {
		return wrapSerialization(err)
	}
	return c.impl.call(c.Priority, deadline, payload, func(tr *Transfer, cerr error) {
		if onResponse == nil {
			return
		}
		if cerr != nil {
			onResponse(nil, cerr)
			return
		}
		resp := new(Resp)
		if derr := PResp(resp).UnmarshalBinary(tr.Payload); derr != nil {
			onResponse(nil, wrapSerialization(derr))
			return
		}
		onResponse(resp, nil)
	})
}

// Service reports the service id this client invokes.
func (c *Client[Req, PReq, Resp, PResp]) Service() PortID { return c.impl.service }

// Server reports the remote node this client is bound to.
func (c *Client[Req, PReq, Resp, PResp]) Server() NodeID { return c.impl.server }

// Close releases this facade's reference. Calls still in flight when the
// last facade closes complete with ErrClosed. Double close is a no-op.
func (c *Client[Req, PReq, Resp, PResp]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.impl.unref()
	return nil
}
