package sock

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/unifabric/cci/logx"
	"github.com/unifabric/cci/metrics"
	"github.com/unifabric/cci/types"
)

const (
	// DefaultTxCount and DefaultRxCount size the per-endpoint buffer
	// pools.
	DefaultTxCount = 1024
	DefaultRxCount = 1024

	// DefaultSendTimeout bounds reliable operations when neither the
	// connection nor the endpoint overrides it.
	DefaultSendTimeout = 8 * time.Second

	// DefaultConnectTimeout bounds the handshake when Connect is passed a
	// zero timeout.
	DefaultConnectTimeout = 8 * time.Second

	// resendInterval is the base retransmission interval; the backoff is
	// linear in the resend count.
	resendInterval = 100 * time.Millisecond

	// ackDelay is how long a cumulative-ack advance may ride unsent
	// before a bare CONN_ACK is emitted.
	ackDelay = 10 * time.Millisecond

	// progressInterval paces the endpoint worker between kicks.
	progressInterval = 5 * time.Millisecond
)

// endpoint is a locality of buffers plus a single datagram socket. All
// mutable endpoint state is guarded by mu unless a finer-grained lock is
// named on the field.
type endpoint struct {
	dev    *device
	sock   *net.UDPConn
	fd     int
	id     uint32
	uri    string
	token  xid.ID // instance token for log correlation
	logger logx.Logger

	maxSend uint32
	maxFrag uint32
	bufLen  int

	mu     sync.Mutex
	closed bool

	txSlots []*tx
	idleTxs txList
	rxSlots []*rx
	idleRxs rxList
	txCount int
	rxCount int

	conns    map[uint32]*conn // by local connection id
	reqIndex map[string]*conn // by initiator identity, duplicate suppression
	connIDs  *idSpace

	regions   map[uint32]*rmaRegion
	regionIDs *idSpace

	events evtList
	loaned map[types.Event]*evtRec

	sendTimeout time.Duration
	keepalive   time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	kick   chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

var _ types.Endpoint = (*endpoint)(nil)

func newEndpoint(d *device, sock *net.UDPConn, id uint32) *endpoint {
	e := &endpoint{
		dev:         d,
		sock:        sock,
		fd:          -1,
		id:          id,
		token:       xid.New(),
		logger:      d.t.logger,
		maxSend:     maxSendSize(d.mtu),
		maxFrag:     maxRMAFragment(d.mtu),
		bufLen:      d.mtu - ipUDPOverhead,
		txCount:     d.t.txCount,
		rxCount:     d.t.rxCount,
		conns:       map[uint32]*conn{},
		reqIndex:    map[string]*conn{},
		connIDs:     newIDSpace(time.Now().UnixNano()),
		regions:     map[uint32]*rmaRegion{},
		regionIDs:   newIDSpace(time.Now().UnixNano() + 1),
		loaned:      map[types.Event]*evtRec{},
		sendTimeout: d.t.sendTimeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		kick:        make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	e.txSlots, e.idleTxs = newTxPool(e, e.txCount, e.bufLen)
	e.rxSlots, e.idleRxs = newRxPool(e, e.rxCount, e.bufLen)

	local := sock.LocalAddr().(*net.UDPAddr)
	host := local.IP.String()
	if local.IP.IsUnspecified() && d.ip != nil {
		host = d.ip.String()
	}
	e.uri = fmt.Sprintf("%s://%s:%d", Scheme, host, local.Port)

	if rc, err := sock.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) { e.fd = int(fd) })
	}

	e.wg.Add(2)
	go e.readLoop()
	go e.progressLoop()

	e.logger.Info("endpoint %s up at %s (id %d)", e.token, e.uri, e.id)
	return e
}

// URI returns the endpoint's bound address.
func (e *endpoint) URI() string { return e.uri }

// OSHandle returns the endpoint's socket descriptor.
func (e *endpoint) OSHandle() int { return e.fd }

// kickProgress wakes the worker without blocking.
func (e *endpoint) kickProgress() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// readLoop drains the socket and dispatches datagrams until the endpoint
// closes. Persistent socket failures are surfaced as a device failure.
func (e *endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, e.bufLen)
	for {
		n, addr, err := e.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.doneCh:
				return
			default:
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			e.logger.Error("endpoint %s: socket read failed: %v", e.token, err)
			e.deviceFailed()
			return
		}
		if n == 0 {
			continue
		}
		metrics.DatagramsReceived.Inc()
		e.handleDatagram(buf[:n], addr)
	}
}

// progressLoop is the endpoint's cooperative progress driver: retransmits,
// queued transmissions, delayed acks, and keepalives. GetEvent runs the
// same routine inline so progress is made even without the worker winning
// the race.
func (e *endpoint) progressLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.doneCh:
			return
		case <-e.kick:
		case <-ticker.C:
		}
		e.progress()
	}
}

// progress runs one tick: device pending walk, device queued walk,
// delayed acks, keepalives.
func (e *endpoint) progress() {
	e.dev.progressSends()
	e.emitAcks()
	e.checkKeepalives()
}

// send implements Send and Sendv for a connection.
func (e *endpoint) send(c *conn, segments [][]byte, context interface{}, flags types.SendFlag) error {
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	if uint32(total) > c.maxSend {
		return types.EMSGSIZE
	}

	c.mu.Lock()
	switch c.status {
	case connReady:
	case connFailed, connDisconnected, connRejected:
		c.mu.Unlock()
		return types.ErrDisconnected
	default:
		c.mu.Unlock()
		return types.EINVAL
	}
	c.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.ErrDisconnected
	}
	t := e.idleTxs.popFront()
	e.mu.Unlock()
	if t == nil {
		return types.ENOBUFS
	}

	t.conn = c
	t.msgType = msgSend
	t.flags = flags
	t.context = context
	t.timeout = c.effTimeout()
	if flags&types.FlagBlocking != 0 {
		t.done = make(chan struct{})
	}

	var sa seqAck
	if c.attr.Reliable() {
		c.mu.Lock()
		t.seq = c.nextSeqLocked()
		sa = seqAck{Seq: t.seq, Ack: c.ack}
		c.mu.Unlock()
	}

	h := &header{
		Type:       msgSend,
		EndpointID: c.peerEpID,
		ConnID:     c.peerID,
	}
	n := packHeader(t.buf, h)
	n += packSeqAck(t.buf[n:], &sa)
	for _, seg := range segments {
		n += copy(t.buf[n:], seg)
	}
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	e.dev.progressSends()

	if t.done != nil {
		<-t.done
		status := t.status
		e.recycleTx(t)
		if status != types.Success {
			return status
		}
		return nil
	}
	return nil
}

// sendInternal emits a runtime-originated reliable message (the RMA
// completion payload) tied to op. No user event is surfaced for the tx
// itself; the op's completion is driven through rmaFragDone.
func (e *endpoint) sendInternal(c *conn, payload []byte, op *rmaOp) error {
	e.mu.Lock()
	t := e.idleTxs.popFront()
	e.mu.Unlock()
	if t == nil {
		return types.ENOBUFS
	}

	t.conn = c
	t.msgType = msgSend
	t.op = op
	t.timeout = c.effTimeout()

	c.mu.Lock()
	t.seq = c.nextSeqLocked()
	sa := seqAck{Seq: t.seq, Ack: c.ack}
	c.mu.Unlock()

	h := &header{
		Type:       msgSend,
		EndpointID: c.peerEpID,
		ConnID:     c.peerID,
	}
	n := packHeader(t.buf, h)
	n += packSeqAck(t.buf[n:], &sa)
	n += copy(t.buf[n:], payload)
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	e.kickProgress()
	return nil
}

// sendCtrl emits a one-shot control datagram (bare ack, NACK, keepalive,
// reject reply, RMA status). The tx is recycled after transmission and is
// never retransmitted.
func (e *endpoint) sendCtrl(c *conn, addr *net.UDPAddr, mt msgType, sub uint8,
	epID, connID uint32, pack func(buf []byte) int) {

	e.mu.Lock()
	t := e.idleTxs.popFront()
	e.mu.Unlock()
	if t == nil {
		return // best effort; reliability recovers
	}

	t.conn = c
	t.msgType = mt
	t.addr = addr
	t.flags = types.FlagSilent

	h := &header{Type: mt, Sub: sub, EndpointID: epID, ConnID: connID}
	n := packHeader(t.buf, h)
	if pack != nil {
		n += pack(t.buf[n:])
	}
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	e.kickProgress()
}

// enqueueTx places a tx at the tail of the device queued list.
func (e *endpoint) enqueueTx(t *tx) {
	t.state = txQueued
	e.dev.mu.Lock()
	e.dev.queued.pushBack(t)
	e.dev.mu.Unlock()
}

// reliableOnWire reports whether the tx sits on the pending list after
// transmission, awaiting acknowledgement.
func (t *tx) reliableOnWire() bool {
	switch t.msgType {
	case msgConnRequest:
		return true
	case msgConnReply:
		// A rejected reply carries no connection and is one-shot.
		return t.conn != nil
	case msgSend, msgRMAWrite, msgRMARead:
		return t.conn != nil && t.conn.attr.Reliable()
	}
	return false
}

// completeTx finishes a tx that has left the queued/pending lists: RMA
// bookkeeping, blocking wakeups, handshake events, and send events. Called
// without any list lock held.
func (e *endpoint) completeTx(t *tx, status types.Status) {
	t.state = txCompleted
	t.status = status

	if status == types.ETIMEDOUT {
		metrics.SendTimeouts.Inc()
	}

	switch t.msgType {
	case msgConnRequest:
		e.connectFailed(t, status)
		return
	case msgConnReply:
		if t.conn == nil {
			// One-shot rejected reply: no event to raise.
			e.recycleTx(t)
			return
		}
		if status == types.Success {
			ev := &types.AcceptEvent{Status: types.Success, Context: t.conn.context, Connection: t.conn}
			e.surfaceTxEvent(t, ev)
			e.logger.Debug("endpoint %s: conn %d handshake complete", e.token, t.conn.localID)
		} else {
			e.acceptFailed(t, status)
		}
		return
	}

	if t.op != nil {
		op, mt := t.op, t.msgType
		e.recycleTx(t)
		e.rmaFragDone(op, mt, status)
		return
	}

	if t.done != nil {
		close(t.done) // waiter recycles
		return
	}

	if t.flags&types.FlagSilent != 0 && status == types.Success {
		e.recycleTx(t)
		return
	}

	ev := &types.SendEvent{
		Status:     status,
		Context:    t.context,
		Connection: t.conn,
	}
	e.surfaceTxEvent(t, ev)
}

// surfaceTxEvent queues an event whose storage is the completed tx.
func (e *endpoint) surfaceTxEvent(t *tx, ev types.Event) {
	t.evt.ev = ev
	e.mu.Lock()
	e.events.pushBack(&t.evt)
	e.mu.Unlock()
}

// surfaceRxEvent queues an event whose storage is the rx slot.
func (e *endpoint) surfaceRxEvent(r *rx, ev types.Event) {
	r.evt.ev = ev
	e.mu.Lock()
	e.events.pushBack(&r.evt)
	e.mu.Unlock()
}

// surfaceHeapEvent queues an event with no slot backing (RMA completions,
// device failures).
func (e *endpoint) surfaceHeapEvent(ev types.Event) {
	rec := &evtRec{ev: ev}
	e.mu.Lock()
	e.events.pushBack(rec)
	e.mu.Unlock()
}

// surfaceSendEvent is surfaceHeapEvent specialized for operation
// completions that outlived their tx slots.
func (e *endpoint) surfaceSendEvent(c *conn, context interface{}, status types.Status) {
	e.surfaceHeapEvent(&types.SendEvent{Status: status, Context: context, Connection: c})
}

// recycleTx returns a tx slot to the idle list.
func (e *endpoint) recycleTx(t *tx) {
	t.reset()
	e.mu.Lock()
	e.idleTxs.pushBack(t)
	e.mu.Unlock()
}

// recycleRx returns an rx slot to the idle list.
func (e *endpoint) recycleRx(r *rx) {
	r.reset()
	e.mu.Lock()
	e.idleRxs.pushBack(r)
	e.mu.Unlock()
}

// allocRx takes an idle rx slot, or nil when the pool is dry.
func (e *endpoint) allocRx() *rx {
	e.mu.Lock()
	r := e.idleRxs.popFront()
	e.mu.Unlock()
	return r
}

// GetEvent pops the next pending event; see types.Endpoint.
func (e *endpoint) GetEvent() (types.Event, error) {
	e.progress()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, types.ErrDisconnected
	}
	rec := e.events.popFront()
	if rec == nil {
		dry := e.idleRxs.empty()
		e.mu.Unlock()
		if dry {
			return nil, types.ENOBUFS
		}
		return nil, types.EAGAIN
	}
	e.loaned[rec.ev] = rec
	e.mu.Unlock()
	return rec.ev, nil
}

// ReturnEvent hands an event's storage back; see types.Endpoint.
func (e *endpoint) ReturnEvent(ev types.Event) error {
	if ev == nil {
		return types.EINVAL
	}
	e.mu.Lock()
	rec, ok := e.loaned[ev]
	if !ok {
		e.mu.Unlock()
		return types.EINVAL
	}
	delete(e.loaned, ev)
	e.mu.Unlock()

	switch {
	case rec.tx != nil:
		e.recycleTx(rec.tx)
	case rec.rx != nil:
		e.recycleRx(rec.rx)
	}
	return nil
}

// emitAcks sends a bare CONN_ACK for every connection whose cumulative
// advanced but rode no outgoing datagram within the ack delay.
func (e *endpoint) emitAcks() {
	now := time.Now()
	var due []*conn

	e.mu.Lock()
	for _, c := range e.conns {
		c.mu.Lock()
		if c.ackDirty && now.Sub(c.ackTime) >= ackDelay && c.status == connReady {
			c.ackDirty = false
			due = append(due, c)
		}
		c.mu.Unlock()
	}
	e.mu.Unlock()

	for _, c := range due {
		c.mu.Lock()
		ack := c.ack
		epID, connID, addr := c.peerEpID, c.peerID, c.addr
		c.mu.Unlock()
		e.sendCtrl(c, addr, msgConnAck, ackCumulative, epID, connID, func(buf []byte) int {
			return packSeqAck(buf, &seqAck{Ack: ack})
		})
	}
}

// checkKeepalives probes idle reliable connections and raises the
// keepalive event when a peer stays silent for two intervals.
func (e *endpoint) checkKeepalives() {
	now := time.Now()
	var probes []*conn
	var raised []*conn

	e.mu.Lock()
	for _, c := range e.conns {
		c.mu.Lock()
		ka := c.effKeepalive()
		if ka > 0 && c.status == connReady && c.attr.Reliable() {
			idle := now.Sub(c.lastRecv)
			if idle >= ka && now.Sub(c.lastProbe) >= ka {
				c.lastProbe = now
				probes = append(probes, c)
			}
			if idle >= 2*ka && !c.kaRaised {
				c.kaRaised = true
				raised = append(raised, c)
			}
		}
		c.mu.Unlock()
	}
	e.mu.Unlock()

	for _, c := range probes {
		metrics.Keepalives.Inc()
		e.sendCtrl(c, c.addr, msgKeepalive, 0, c.peerEpID, c.peerID, nil)
	}
	for _, c := range raised {
		e.surfaceHeapEvent(&types.KeepaliveTimedOutEvent{Connection: c})
	}
}

// SetOption sets a runtime option; see types.Endpoint.
func (e *endpoint) SetOption(name types.OptName, value interface{}) error {
	switch name {
	case types.OptSendTimeout:
		d, ok := value.(time.Duration)
		if !ok || d < 0 {
			return types.EINVAL
		}
		e.mu.Lock()
		e.sendTimeout = d
		e.mu.Unlock()
		return nil

	case types.OptKeepaliveTimeout:
		d, ok := value.(time.Duration)
		if !ok || d < 0 {
			return types.EINVAL
		}
		e.mu.Lock()
		e.keepalive = d
		e.mu.Unlock()
		return nil

	case types.OptRecvBufCount, types.OptSendBufCount:
		n, ok := value.(uint32)
		if !ok || n == 0 {
			return types.EINVAL
		}
		return e.resizePool(name, int(n))

	case types.OptURI, types.OptRMAAlign:
		return types.EINVAL // read-only

	default:
		return types.ErrNotFound
	}
}

// GetOption reads a runtime option; see types.Endpoint.
func (e *endpoint) GetOption(name types.OptName) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch name {
	case types.OptSendTimeout:
		return e.sendTimeout, nil
	case types.OptKeepaliveTimeout:
		return e.keepalive, nil
	case types.OptRecvBufCount:
		return uint32(e.rxCount), nil
	case types.OptSendBufCount:
		return uint32(e.txCount), nil
	case types.OptURI:
		return e.uri, nil
	case types.OptRMAAlign:
		return types.RMAAlign{}, nil // no alignment restrictions over UDP
	default:
		return nil, types.ErrNotFound
	}
}

// resizePool reallocates a buffer pool. Only possible while the endpoint
// has no connections; the arena is rebuilt wholesale.
func (e *endpoint) resizePool(name types.OptName, count int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.conns) > 0 || len(e.reqIndex) > 0 {
		return types.EBUSY
	}

	if name == types.OptSendBufCount {
		e.txCount = count
		e.txSlots, e.idleTxs = newTxPool(e, count, e.bufLen)
	} else {
		e.rxCount = count
		e.rxSlots, e.idleRxs = newRxPool(e, count, e.bufLen)
	}
	return nil
}

// Connect initiates the REQUEST->REPLY->ACK handshake; see types.Endpoint.
func (e *endpoint) Connect(uri string, payload []byte, attribute types.ConnAttribute,
	context interface{}, timeout time.Duration) error {

	if len(payload) > types.MaxConnPayload {
		return types.EINVAL
	}
	switch attribute {
	case types.ConnRO, types.ConnRU, types.ConnUU:
	default:
		return types.EINVAL
	}
	addr, err := resolveURI(uri)
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	c := e.newConn(attribute, addr, context)
	c.uri = uri
	c.status = connActive
	c.seq = e.seedSequence()

	id, err := e.connIDs.get()
	if err != nil {
		return err
	}
	c.localID = id
	c.idAllocated = true

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.connIDs.put(id)
		return types.ErrDisconnected
	}
	t := e.idleTxs.popFront()
	if t == nil {
		e.mu.Unlock()
		e.connIDs.put(id)
		return types.ENOBUFS
	}
	e.conns[id] = c
	e.mu.Unlock()

	t.conn = c
	t.msgType = msgConnRequest
	t.seq = c.seq
	t.timeout = timeout

	h := &header{Type: msgConnRequest, Sub: uint8(attribute)}
	n := packHeader(t.buf, h)
	n += packConnRequest(t.buf[n:], &connRequest{
		ConnID:     c.localID,
		PayloadLen: uint16(len(payload)),
		Seq:        c.seq,
		EndpointID: e.id,
	})
	n += copy(t.buf[n:], payload)
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	e.dev.progressSends()

	e.logger.Debug("endpoint %s: connect %s attr=%s conn=%d", e.token, uri, attribute, id)
	return nil
}

// connectFailed finishes an outgoing connect whose CONN_REQUEST expired or
// was refused. The request tx doubles as the event storage. A request that
// expires after the handshake already resolved is simply dropped.
func (e *endpoint) connectFailed(t *tx, status types.Status) {
	c := t.conn

	c.mu.Lock()
	if c.status != connActive {
		c.mu.Unlock()
		e.recycleTx(t)
		return
	}
	c.status = connFailed
	context := c.context
	c.mu.Unlock()

	e.dropConn(c)
	e.surfaceTxEvent(t, &types.ConnectEvent{Status: status, Context: context})
}

// acceptFailed finishes a responder handshake whose CONN_REPLY was never
// acknowledged.
func (e *endpoint) acceptFailed(t *tx, status types.Status) {
	c := t.conn

	c.mu.Lock()
	c.status = connFailed
	context := c.context
	c.mu.Unlock()

	e.dropConn(c)
	e.surfaceTxEvent(t, &types.AcceptEvent{Status: status, Context: context})
}

// disconnect closes a connection, completing everything outstanding with
// ErrDisconnected.
func (e *endpoint) disconnect(c *conn) error {
	c.mu.Lock()
	if c.status == connDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = connDisconnected
	c.mu.Unlock()

	e.failConn(c, types.ErrDisconnected)
	e.dropConn(c)
	e.logger.Debug("endpoint %s: disconnected conn %d", e.token, c.localID)
	return nil
}

// failConn completes every queued and pending tx of the connection, in
// sequence order, with the given status, and aborts its RMA ops.
func (e *endpoint) failConn(c *conn, status types.Status) {
	var victims []*tx

	e.dev.mu.Lock()
	for t := e.dev.pending.head; t != nil; {
		next := t.next
		if t.conn == c {
			e.dev.pending.remove(t)
			victims = append(victims, t)
		}
		t = next
	}
	for t := e.dev.queued.head; t != nil; {
		next := t.next
		if t.conn == c {
			e.dev.queued.remove(t)
			victims = append(victims, t)
		}
		t = next
	}
	e.dev.mu.Unlock()

	for _, t := range victims {
		e.completeTx(t, status)
	}

	c.mu.Lock()
	ops := append([]*rmaOp(nil), c.rma.ops...)
	c.mu.Unlock()
	for _, op := range ops {
		e.failRMAOp(c, op, status)
	}
}

// dropConn removes the connection from the endpoint tables and releases
// its id and buffered receive slots.
func (e *endpoint) dropConn(c *conn) {
	e.mu.Lock()
	if cur, ok := e.conns[c.localID]; ok && cur == c {
		delete(e.conns, c.localID)
	}
	if c.responder {
		key := reqKey(c.addr, c.initID)
		if cur, ok := e.reqIndex[key]; ok && cur == c {
			delete(e.reqIndex, key)
		}
	}
	e.mu.Unlock()

	c.mu.Lock()
	var freed []*rx
	for seq, r := range c.reorder {
		delete(c.reorder, seq)
		if r != nil {
			freed = append(freed, r)
		}
	}
	for r := c.deferred.popFront(); r != nil; r = c.deferred.popFront() {
		freed = append(freed, r)
	}
	c.mu.Unlock()

	for _, r := range freed {
		e.recycleRx(r)
	}

	if c.idAllocated {
		c.idAllocated = false
		e.connIDs.put(c.localID)
	}
}

// deviceFailed marks the device dead: one EndpointDeviceFailed event, all
// connections failed.
func (e *endpoint) deviceFailed() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.status = connFailed
		c.mu.Unlock()
		e.failConn(c, types.ErrDisconnected)
	}

	e.surfaceHeapEvent(&types.EndpointDeviceFailedEvent{Endpoint: e})
	e.logger.Error("endpoint %s: device %s failed", e.token, e.dev.dev.Name)
}

// Close destroys the endpoint; see types.Endpoint.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.status = connDisconnected
		c.mu.Unlock()
		e.failConn(c, types.ErrDisconnected)
	}

	close(e.doneCh)
	e.sock.Close()
	e.wg.Wait()

	e.dev.removeEndpoint(e)
	e.logger.Info("endpoint %s down", e.token)
	return nil
}

// resolveURI parses scheme://host:port into a UDP address.
func resolveURI(uri string) (*net.UDPAddr, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != Scheme || u.Host == "" {
		return nil, types.EINVAL
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, types.EINVAL
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, types.EINVAL
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, types.EADDRNOTAVAIL
	}
	var ip net.IP
	for _, cand := range ips {
		if v4 := cand.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return nil, types.EADDRNOTAVAIL
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
