package cyphal

import (
	"errors"
	"log/slog"
	"time"
	"unsafe"
)

// Presentation is the layer gluing typed publishers, subscribers, RPC
// clients and servers to one transport. Implementation state is shared:
// facades for the same subject (or the same service/server pair) reference
// one implementation node held in an AVL tree, so the underlying transport
// session exists exactly once no matter how many facades are open.
type Presentation struct {
	mem  MemoryResource
	exec Executor
	tr   Transport
	log  *slog.Logger

	// publisherImpl nodes keyed by subject id.
	publishers *TreeNode
	// subscriberImpl nodes keyed by subject id.
	subscribers *TreeNode
	// sharedClient nodes keyed by (service id, server node id).
	clients *TreeNode

	// ResponseTimeout bounds how long a deferred server continuation may
	// take before its response transmission deadline expires.
	ResponseTimeout time.Duration

	// TIDMap, when set, persists transfer-id counters across facade
	// recreation (keyed by port and remote node). Nil keeps the counters
	// inside the shared implementations, resetting when the last facade of
	// a port closes.
	TIDMap TransferIDMap
}

// NewPresentation builds a presentation layer over tr. Nil mem selects the
// unbounded resource; exec and tr are mandatory.
func NewPresentation(mem MemoryResource, exec Executor, tr Transport) *Presentation {
	if exec == nil || tr == nil {
		panic(ErrInvalidArgument)
	}
	return &Presentation{
		mem:             memOrDefault(mem),
		exec:            exec,
		tr:              tr,
		log:             slog.Default(),
		ResponseTimeout: time.Second,
	}
}

// SetLogger replaces the logger used for undeliverable-event reporting.
func (p *Presentation) SetLogger(l *slog.Logger) { p.log = logOrDefault(l) }

// Close releases all remaining shared implementations. Facades normally
// drive teardown themselves through their Close; a non-zero return reports
// how many implementations were still referenced (a leak in the caller).
func (p *Presentation) Close() (leaked int) {
	traversePostOrder(p.publishers, func(n *TreeNode) {
		leaked++
		publisherFromTree(n).destroy()
	})
	p.publishers = nil
	traversePostOrder(p.subscribers, func(n *TreeNode) {
		leaked++
		subscriberFromTree(n).destroy()
	})
	p.subscribers = nil
	traversePostOrder(p.clients, func(n *TreeNode) {
		leaked++
		clientFromTree(n).destroy()
	})
	p.clients = nil
	return leaked
}

func predicateImplPort(userRef any, n *TreeNode) int8 {
	sought := userRef.(PortID)
	other := implPortOf(n)
	if sought == other {
		return 0
	}
	return bsign(sought > other)
}

// implPortOf reads the port of a publisherImpl or subscriberImpl node.
// Both place the tree node first and the port immediately after the shared
// header, so the layout-compatible prefix makes one predicate serve both.
//
//go:inline
func implPortOf(n *TreeNode) PortID {
	return (*implHeader)(unsafe.Pointer(n)).port
}

// implHeader is the common prefix of publisherImpl and subscriberImpl.
type implHeader struct {
	base     TreeNode // Must be first field due to use of unsafe.
	port     PortID
	refCount int
}

// Publishers.

type publisherImpl struct {
	implHeader
	p  *Presentation
	tx MessageTxSession
	// tid is the shared per-subject transfer-id counter; all facades of one
	// subject advance the same counter as the protocol requires.
	tid TransferID
}

var publisherImplSize = int(unsafe.Sizeof(publisherImpl{}))

//go:inline
func publisherFromTree(n *TreeNode) *publisherImpl {
	return (*publisherImpl)(unsafe.Pointer(n))
}

// getPublisherImpl returns the shared publisher for subject, creating the
// transport session on first reference.
func (p *Presentation) getPublisherImpl(subject PortID) (*publisherImpl, error) {
	got, existed, err := search(&p.publishers, subject, predicateImplPort, func(any) *TreeNode {
		if !p.mem.Acquire(publisherImplSize) {
			return nil
		}
		impl := &publisherImpl{p: p}
		impl.port = subject
		return &impl.base
	})
	if err != nil {
		return nil, err
	}
	impl := publisherFromTree(got)
	if !existed {
		tx, terr := p.tr.NewMessageTxSession(MessageTxParams{Subject: subject})
		if terr != nil {
			remove(&p.publishers, &impl.base)
			p.mem.Release(publisherImplSize)
			return nil, terr
		}
		impl.tx = tx
	}
	impl.refCount++
	return impl, nil
}

func (impl *publisherImpl) publish(priority Priority, deadline time.Time, payload []byte) error {
	modulo := impl.p.tr.ProtocolParams().TransferIDModulo
	var tid TransferID
	if m := impl.p.TIDMap; m != nil {
		tid = nextTransferID(m, SessionKey{Port: impl.port, Remote: NodeIDUnset}, modulo)
	} else {
		tid = impl.tid
		impl.tid++
		if modulo != 0 {
			impl.tid %= modulo
		}
	}
	return impl.tx.Send(TransferMetadata{
		Priority: priority,
		Kind:     KindMessage,
		Port:     impl.port,
		Remote:   NodeIDUnset,
		TID:      tid,
	}, deadline, payload)
}

func (impl *publisherImpl) unref() {
	impl.refCount--
	if impl.refCount > 0 {
		return
	}
	if impl.refCount < 0 {
		panic("publisher refcount underflow")
	}
	remove(&impl.p.publishers, &impl.base)
	impl.destroy()
}

func (impl *publisherImpl) destroy() {
	if impl.tx != nil {
		impl.tx.Close()
		impl.tx = nil
	}
	impl.p.mem.Release(publisherImplSize)
}

// Subscribers.

type subscriberImpl struct {
	implHeader
	p  *Presentation
	rx MessageRxSession
	// handlers of every facade sharing this subject, keyed by facade id so
	// a facade can detach without affecting its siblings.
	handlers      map[uint64]func(*Transfer)
	nextHandlerID uint64
}

var subscriberImplSize = int(unsafe.Sizeof(subscriberImpl{}))

//go:inline
func subscriberFromTree(n *TreeNode) *subscriberImpl {
	return (*subscriberImpl)(unsafe.Pointer(n))
}

func (p *Presentation) getSubscriberImpl(subject PortID, extent int) (*subscriberImpl, error) {
	got, existed, err := search(&p.subscribers, subject, predicateImplPort, func(any) *TreeNode {
		if !p.mem.Acquire(subscriberImplSize) {
			return nil
		}
		impl := &subscriberImpl{p: p, handlers: make(map[uint64]func(*Transfer))}
		impl.port = subject
		return &impl.base
	})
	if err != nil {
		return nil, err
	}
	impl := subscriberFromTree(got)
	if !existed {
		rx, terr := p.tr.NewMessageRxSession(MessageRxParams{Extent: extent, Subject: subject})
		if terr != nil {
			remove(&p.subscribers, &impl.base)
			p.mem.Release(subscriberImplSize)
			return nil, terr
		}
		rx.SetOnReceive(impl.dispatch)
		impl.rx = rx
	}
	impl.refCount++
	return impl, nil
}

func (impl *subscriberImpl) dispatch(tr *Transfer) {
	for _, fn := range impl.handlers {
		fn(tr)
	}
}

func (impl *subscriberImpl) addHandler(fn func(*Transfer)) uint64 {
	impl.nextHandlerID++
	impl.handlers[impl.nextHandlerID] = fn
	return impl.nextHandlerID
}

func (impl *subscriberImpl) removeHandler(id uint64) {
	delete(impl.handlers, id)
}

func (impl *subscriberImpl) unref() {
	impl.refCount--
	if impl.refCount > 0 {
		return
	}
	if impl.refCount < 0 {
		panic("subscriber refcount underflow")
	}
	remove(&impl.p.subscribers, &impl.base)
	impl.destroy()
}

func (impl *subscriberImpl) destroy() {
	if impl.rx != nil {
		impl.rx.SetOnReceive(nil)
		impl.rx.Close()
		impl.rx = nil
	}
	impl.handlers = nil
	impl.p.mem.Release(subscriberImplSize)
}

// Clients.

// clientKey identifies a shared client: one per (service, server) pair.
type clientKey struct {
	service PortID
	server  NodeID
}

func predicateClientKey(userRef any, n *TreeNode) int8 {
	sought := userRef.(clientKey)
	other := clientFromTree(n)
	if sought.service != other.service {
		return bsign(sought.service > other.service)
	}
	if sought.server == other.server {
		return 0
	}
	return bsign(sought.server > other.server)
}

type pendingCall struct {
	onResponse func(*Transfer, error)
	timeoutCB  CallbackID
}

var pendingCallSize = int(unsafe.Sizeof(pendingCall{}))

type sharedClient struct {
	base    TreeNode // Must be first field due to use of unsafe.
	service PortID
	server  NodeID

	p        *Presentation
	refCount int
	reqTx    RequestTxSession
	respRx   ResponseRxSession
	tid      TransferID
	pending  map[TransferID]*pendingCall
}

var sharedClientSize = int(unsafe.Sizeof(sharedClient{}))

//go:inline
func clientFromTree(n *TreeNode) *sharedClient {
	return (*sharedClient)(unsafe.Pointer(n))
}

func (p *Presentation) getSharedClient(service PortID, server NodeID, extent int) (*sharedClient, error) {
	key := clientKey{service: service, server: server}
	got, existed, err := search(&p.clients, key, predicateClientKey, func(any) *TreeNode {
		if !p.mem.Acquire(sharedClientSize) {
			return nil
		}
		c := &sharedClient{
			p:       p,
			service: service,
			server:  server,
			pending: make(map[TransferID]*pendingCall),
		}
		return &c.base
	})
	if err != nil {
		return nil, err
	}
	c := clientFromTree(got)
	if !existed {
		reqTx, terr := p.tr.NewRequestTxSession(RequestTxParams{Service: service, Server: server})
		if terr == nil {
			var respRx ResponseRxSession
			respRx, terr = p.tr.NewResponseRxSession(ResponseRxParams{Extent: extent, Service: service, Server: server})
			if terr == nil {
				respRx.SetOnReceive(c.onResponse)
				c.reqTx, c.respRx = reqTx, respRx
			} else {
				reqTx.Close()
			}
		}
		if terr != nil {
			remove(&p.clients, &c.base)
			p.mem.Release(sharedClientSize)
			return nil, terr
		}
	}
	c.refCount++
	return c, nil
}

// call transmits one request and arranges for fn to be invoked exactly
// once: with the matching response transfer, or with ErrTimeout from a
// one-shot executor callback at the deadline.
func (c *sharedClient) call(priority Priority, deadline time.Time, payload []byte, fn func(*Transfer, error)) error {
	modulo := c.p.tr.ProtocolParams().TransferIDModulo
	key := SessionKey{Port: c.service, Remote: c.server}
	tid := c.tid
	if m := c.p.TIDMap; m != nil {
		tid = m.GetID(key)
	}
	if modulo != 0 {
		tid %= modulo
	}
	if _, busy := c.pending[tid]; busy {
		return ErrCapacity // Transfer-id window exhausted by in-flight calls.
	}
	if !c.p.mem.Acquire(pendingCallSize) {
		return ErrMemory
	}
	err := c.reqTx.Send(TransferMetadata{
		Priority: priority,
		Kind:     KindRequest,
		Port:     c.service,
		Remote:   c.server,
		TID:      tid,
	}, deadline, payload)
	if err != nil {
		c.p.mem.Release(pendingCallSize)
		return err
	}
	next := tid + 1
	if modulo != 0 {
		next %= modulo
	}
	if m := c.p.TIDMap; m != nil {
		m.SetID(key, next)
	} else {
		c.tid = next
	}
	pc := &pendingCall{onResponse: fn}
	cbID, err := c.p.exec.RegisterOneShot(func(time.Time) {
		c.finish(tid, nil, ErrTimeout, false)
	})
	if err != nil {
		c.p.mem.Release(pendingCallSize)
		return err
	}
	c.p.exec.ScheduleAt(cbID, deadline)
	pc.timeoutCB = cbID
	c.pending[tid] = pc
	return nil
}

func (c *sharedClient) onResponse(tr *Transfer) {
	c.finish(tr.TID, tr, nil, true)
}

func (c *sharedClient) finish(tid TransferID, tr *Transfer, err error, removeCB bool) {
	pc, ok := c.pending[tid]
	if !ok {
		return // Late response after timeout, or unsolicited; drop.
	}
	delete(c.pending, tid)
	if removeCB {
		c.p.exec.Remove(pc.timeoutCB)
	}
	c.p.mem.Release(pendingCallSize)
	if pc.onResponse != nil {
		pc.onResponse(tr, err)
	}
}

func (c *sharedClient) unref() {
	c.refCount--
	if c.refCount > 0 {
		return
	}
	if c.refCount < 0 {
		panic("client refcount underflow")
	}
	remove(&c.p.clients, &c.base)
	c.destroy()
}

func (c *sharedClient) destroy() {
	for tid, pc := range c.pending {
		delete(c.pending, tid)
		c.p.exec.Remove(pc.timeoutCB)
		c.p.mem.Release(pendingCallSize)
		if pc.onResponse != nil {
			pc.onResponse(nil, ErrClosed)
		}
	}
	if c.respRx != nil {
		c.respRx.SetOnReceive(nil)
		c.respRx.Close()
		c.respRx = nil
	}
	if c.reqTx != nil {
		c.reqTx.Close()
		c.reqTx = nil
	}
	c.p.mem.Release(sharedClientSize)
}

// Servers.

// serverImpl is not shared: the transport's request session registry already
// enforces at most one server per service, so a second MakeServer on the
// same service fails with ErrAlreadyExists.
type serverImpl struct {
	p       *Presentation
	service PortID
	reqRx   RequestRxSession
	respTx  ResponseTxSession
	handler func(*Transfer, func(payload []byte) error)
	closed  bool
}

func (p *Presentation) newServerImpl(service PortID, extent int) (*serverImpl, error) {
	reqRx, err := p.tr.NewRequestRxSession(RequestRxParams{Extent: extent, Service: service})
	if err != nil {
		return nil, err
	}
	respTx, err := p.tr.NewResponseTxSession(ResponseTxParams{Service: service})
	if err != nil {
		reqRx.Close()
		return nil, err
	}
	impl := &serverImpl{p: p, service: service, reqRx: reqRx, respTx: respTx}
	reqRx.SetOnReceive(impl.onRequest)
	return impl, nil
}

func (impl *serverImpl) onRequest(req *Transfer) {
	if impl.handler == nil || impl.closed {
		return
	}
	// The continuation captures the request routing and may be invoked
	// later (deferred response), bounded by the presentation's response
	// timeout.
	meta := TransferMetadata{
		Priority: req.Priority,
		Kind:     KindResponse,
		Port:     impl.service,
		Remote:   req.Remote,
		TID:      req.TID,
	}
	deadline := impl.p.exec.Now().Add(impl.p.ResponseTimeout)
	responded := false
	expired := false
	// A one-shot retires the continuation at the deadline so a response
	// deferred past it fails even under a stalled clock reading, and the
	// executor releases its bookkeeping eagerly.
	expiryCB, cbErr := impl.p.exec.RegisterOneShot(func(time.Time) { expired = true })
	if cbErr == nil {
		impl.p.exec.ScheduleAt(expiryCB, deadline)
	}
	impl.handler(req, func(payload []byte) error {
		if responded {
			return ErrAlreadyExists
		}
		if impl.closed {
			return ErrClosed
		}
		responded = true
		if cbErr == nil {
			impl.p.exec.Remove(expiryCB)
		}
		if expired || impl.p.exec.Now().After(deadline) {
			return ErrTimeout
		}
		return impl.respTx.Send(meta, deadline, payload)
	})
}

func (impl *serverImpl) close() {
	if impl.closed {
		return
	}
	impl.closed = true
	impl.reqRx.SetOnReceive(nil)
	impl.reqRx.Close()
	impl.respTx.Close()
}

// wrapSerialization tags marshal/unmarshal failures crossing the typed
// facade boundary.
func wrapSerialization(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrSerialization, err)
}
