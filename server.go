package cyphal

import (
	"encoding"
	"log/slog"
)

// Server is the typed RPC serving facade. Unlike publishers and clients,
// servers are exclusive: the transport's request session registry admits at
// most one per service, so a second MakeServer on the same service fails
// with ErrAlreadyExists.
type Server[Req any, PReq interface {
	*Req
	encoding.BinaryUnmarshaler
}, Resp any, PResp interface {
	*Resp
	encoding.BinaryMarshaler
}] struct {
	impl   *serverImpl
	closed bool
}

// MakeServer binds handler to the given service. The respond continuation
// may be invoked from within the handler or deferred, bounded by the
// presentation's ResponseTimeout; it reports ErrAlreadyExists when invoked
// twice for one request.
func MakeServer[Req any, PReq interface {
	*Req
	encoding.BinaryUnmarshaler
}, Resp any, PResp interface {
	*Resp
	encoding.BinaryMarshaler
}](p *Presentation, desc ServiceDesc[Req, Resp], service PortID, handler func(req *Req, meta TransferMetadata, respond func(*Resp) error)) (*Server[Req, PReq, Resp, PResp], error) {
	if handler == nil {
		return nil, ErrInvalidArgument
	}
	impl, err := p.newServerImpl(service, desc.RequestExtent)
	if err != nil {
		return nil, err
	}
	impl.handler = func(tr *Transfer, respondRaw func([]byte) error) {
		req := new(Req)
		if derr := PReq(req).UnmarshalBinary(tr.Payload); derr != nil {
			p.log.Warn("server request deserialization failed",
				slog.Uint64("service", uint64(service)), slog.Any("err", derr))
			return
		}
		handler(req, tr.TransferMetadata, func(resp *Resp) error {
			payload, merr := PResp(resp).MarshalBinary()
			if merr != nil {
				return wrapSerialization(merr)
			}
			return respondRaw(payload)
		})
	}
	return &Server[Req, PReq, Resp, PResp]{impl: impl}, nil
}

// Service reports the service id this server is bound to.
func (s *Server[Req, PReq, Resp, PResp]) Service() PortID { return s.impl.service }

// Close unbinds the service synchronously. Double close is a no-op.
func (s *Server[Req, PReq, Resp, PResp]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.impl.close()
	return nil
}
