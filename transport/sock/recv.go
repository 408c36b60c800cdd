package sock

import (
	"net"
	"sync"

	"github.com/unifabric/cci/metrics"
	"github.com/unifabric/cci/types"
)

// handleDatagram demultiplexes one inbound datagram by destination
// endpoint id and connection id and dispatches it. Malformed or
// unroutable traffic is dropped with a counter bump and no peer
// notification.
func (e *endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	h, err := unpackHeader(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		e.logger.Debug("endpoint %s: dropping malformed datagram from %s: %v", e.token, addr, err)
		return
	}

	if h.Type == msgConnRequest {
		e.handleConnRequest(h, data[headerSize:], addr)
		return
	}

	if h.EndpointID != e.id {
		metrics.UnroutableDrops.Inc()
		return
	}

	e.mu.Lock()
	c := e.conns[h.ConnID]
	e.mu.Unlock()
	if c == nil {
		metrics.UnroutableDrops.Inc()
		return
	}

	switch h.Type {
	case msgSend:
		e.handleSend(c, h, data[headerSize:])
	case msgConnReply:
		e.handleConnReply(c, h, data[headerSize:])
	case msgConnAck:
		e.handleConnAck(c, h, data[headerSize:])
	case msgRMAWrite:
		e.handleRMAWrite(c, h, data[headerSize:])
	case msgRMARead:
		e.handleRMARead(c, h, data[headerSize:])
	case msgRMAStatus:
		e.handleRMAStatus(c, h, data[headerSize:])
	case msgKeepalive:
		c.mu.Lock()
		c.recordRecvLocked()
		c.mu.Unlock()
	}
}

// handleAck retires every pending reliable tx of the connection covered
// by the peer's cumulative acknowledgement.
func (e *endpoint) handleAck(c *conn, ack uint64) {
	var acked []*tx

	e.dev.mu.Lock()
	for t := e.dev.pending.head; t != nil; {
		next := t.next
		if t.conn == c && t.seq <= ack {
			switch t.msgType {
			case msgSend, msgRMAWrite, msgRMARead, msgConnReply:
				e.dev.pending.remove(t)
				acked = append(acked, t)
			}
		}
		t = next
	}
	e.dev.mu.Unlock()

	for _, t := range acked {
		e.completeTx(t, types.Success)
	}
}

// cancelHandshakeTx pulls the connection's outstanding CONN_REQUEST or
// CONN_REPLY off the device lists, returning it for reuse as event
// storage, or nil when none is outstanding.
func (e *endpoint) cancelHandshakeTx(c *conn, mt msgType) *tx {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()

	for t := e.dev.pending.head; t != nil; t = t.next {
		if t.conn == c && t.msgType == mt {
			e.dev.pending.remove(t)
			return t
		}
	}
	for t := e.dev.queued.head; t != nil; t = t.next {
		if t.conn == c && t.msgType == mt {
			e.dev.queued.remove(t)
			return t
		}
	}
	return nil
}

// connResponder resolves one pending connection request.
type connResponder struct {
	e *endpoint
	c *conn

	mu       sync.Mutex
	resolved bool
}

var _ types.ConnResponder = (*connResponder)(nil)

// Accept accepts the request: the connection goes Ready, the CONN_REPLY is
// transmitted reliably, and the ACCEPT event is raised once the
// initiator's CONN_ACK arrives.
func (r *connResponder) Accept(context interface{}) (types.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return nil, types.EINVAL
	}

	e, c := r.e, r.c

	e.mu.Lock()
	t := e.idleTxs.popFront()
	e.mu.Unlock()
	if t == nil {
		return nil, types.ENOBUFS
	}

	c.mu.Lock()
	c.context = context
	c.seq = e.seedSequence()
	c.status = connReady
	var drained []*rx
	for d := c.deferred.popFront(); d != nil; d = c.deferred.popFront() {
		drained = append(drained, d)
	}
	reply := &connReply{
		ConnID:     c.localID,
		EndpointID: e.id,
		Seq:        c.seq,
		Ack:        c.ack,
	}
	c.mu.Unlock()

	t.conn = c
	t.msgType = msgConnReply
	t.seq = c.seq
	t.timeout = e.sendTimeout

	h := &header{
		Type:       msgConnReply,
		Sub:        replyAccepted,
		EndpointID: c.peerEpID,
		ConnID:     c.peerID,
	}
	n := packHeader(t.buf, h)
	n += packConnReply(t.buf[n:], reply)
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	e.dev.progressSends()

	for _, d := range drained {
		e.surfaceRxEvent(d, &types.RecvEvent{Data: d.data(), Connection: c})
	}

	r.resolved = true
	e.logger.Debug("endpoint %s: accepted conn %d from %s", e.token, c.localID, c.addr)
	return c, nil
}

// Reject refuses the request with a one-shot rejected CONN_REPLY; no
// further state is retained.
func (r *connResponder) Reject() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return types.EINVAL
	}

	e, c := r.e, r.c

	c.mu.Lock()
	c.status = connRejected
	ack := c.ack
	c.mu.Unlock()

	e.sendCtrl(nil, c.addr, msgConnReply, replyRejected, c.peerEpID, c.peerID, func(buf []byte) int {
		return packConnReply(buf, &connReply{EndpointID: e.id, Ack: ack})
	})

	e.dropConn(c)
	r.resolved = true
	e.logger.Debug("endpoint %s: rejected conn request from %s", e.token, c.addr)
	return nil
}

// handleConnRequest materializes an incoming connection request, or
// suppresses it when it duplicates one already known.
func (e *endpoint) handleConnRequest(h *header, data []byte, addr *net.UDPAddr) {
	cr, err := unpackConnRequest(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}

	attr := types.ConnAttribute(h.Sub)
	switch attr {
	case types.ConnRO, types.ConnRU, types.ConnUU:
	default:
		metrics.MalformedDrops.Inc()
		return
	}

	key := reqKey(addr, cr.ConnID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, known := e.reqIndex[key]; known {
		// Duplicate while the request event is outstanding, or while the
		// reply retransmits: idempotent, drop.
		e.mu.Unlock()
		metrics.DuplicateDrops.Inc()
		return
	}
	r := e.idleRxs.popFront()
	e.mu.Unlock()
	if r == nil {
		// No slot to surface the event; the initiator retransmits.
		return
	}

	id, err2 := e.connIDs.get()
	if err2 != nil {
		e.recycleRx(r)
		return
	}

	c := e.newConn(attr, addr, nil)
	c.status = connPendingReply
	c.responder = true
	c.initID = cr.ConnID
	c.localID = id
	c.idAllocated = true
	c.peerID = cr.ConnID
	c.peerEpID = cr.EndpointID
	c.ack = cr.Seq

	payload := data[connRequestSize:]
	r.conn = c
	r.dataOff = 0
	r.dataLen = copy(r.buf, payload)
	r.len = r.dataLen

	e.mu.Lock()
	e.conns[id] = c
	e.reqIndex[key] = c
	e.mu.Unlock()

	ev := &types.ConnectRequestEvent{
		Data:      r.data(),
		Attribute: attr,
		Responder: &connResponder{e: e, c: c},
	}
	e.surfaceRxEvent(r, ev)
	e.logger.Debug("endpoint %s: conn request from %s attr=%s", e.token, addr, attr)
}

// handleConnReply resolves the initiator side of the handshake.
func (e *endpoint) handleConnReply(c *conn, h *header, data []byte) {
	cr, err := unpackConnReply(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	switch status {
	case connActive:
		reqTx := e.cancelHandshakeTx(c, msgConnRequest)

		if h.Sub == replyAccepted {
			c.mu.Lock()
			c.peerID = cr.ConnID
			c.peerEpID = cr.EndpointID
			c.ack = cr.Seq
			c.status = connReady
			c.recordRecvLocked()
			ack := c.ack
			c.mu.Unlock()

			e.sendConnAck(c, ack)

			ev := &types.ConnectEvent{Status: types.Success, Context: c.context, Connection: c}
			if reqTx != nil {
				e.surfaceTxEvent(reqTx, ev)
			} else {
				e.surfaceHeapEvent(ev)
			}
			e.logger.Debug("endpoint %s: conn %d ready (peer %d)", e.token, c.localID, c.peerID)
			return
		}

		c.mu.Lock()
		c.status = connRejected
		context := c.context
		c.mu.Unlock()

		e.dropConn(c)
		ev := &types.ConnectEvent{Status: types.ECONNREFUSED, Context: context}
		if reqTx != nil {
			e.surfaceTxEvent(reqTx, ev)
		} else {
			e.surfaceHeapEvent(ev)
		}

	case connReady:
		// The responder missed our ack; repeat it. A request still on the
		// wire from the transmit race is withdrawn here.
		if reqTx := e.cancelHandshakeTx(c, msgConnRequest); reqTx != nil {
			e.recycleTx(reqTx)
		}
		if h.Sub == replyAccepted {
			c.mu.Lock()
			ack := c.ack
			c.recordRecvLocked()
			c.mu.Unlock()
			e.sendConnAck(c, ack)
		}

	default:
		metrics.DuplicateDrops.Inc()
	}
}

// sendConnAck emits the one-shot handshake acknowledgement.
func (e *endpoint) sendConnAck(c *conn, ack uint64) {
	e.sendCtrl(c, c.addr, msgConnAck, ackCumulative, c.peerEpID, c.peerID, func(buf []byte) int {
		return packSeqAck(buf, &seqAck{Ack: ack})
	})
}

// handleConnAck processes bare acknowledgements: handshake completion,
// cumulative ack advancement, and receiver-not-ready signals.
func (e *endpoint) handleConnAck(c *conn, h *header, data []byte) {
	sa, err := unpackSeqAck(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}

	c.mu.Lock()
	c.recordRecvLocked()
	if h.Sub == ackNack {
		c.lastCtrlNack = true
	}
	c.mu.Unlock()

	if h.Sub == ackNack {
		metrics.RNRSignals.Inc()
		return
	}

	// A pending CONN_REPLY covered by the ack completes our accept; the
	// cumulative walk surfaces the ACCEPT event.
	e.handleAck(c, sa.Ack)
}

// handleSend runs the receive path for application messages.
func (e *endpoint) handleSend(c *conn, h *header, data []byte) {
	sa, err := unpackSeqAck(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}
	payload := data[seqAckSize:]

	c.mu.Lock()
	status := c.status
	attr := c.attr
	c.mu.Unlock()

	switch status {
	case connReady:
	case connPendingReply:
		if attr != types.ConnUU {
			return
		}
		// Defer until the handshake resolves.
		r := e.allocRx()
		if r == nil {
			return
		}
		r.conn = c
		r.dataLen = copy(r.buf, payload)
		r.len = r.dataLen
		c.mu.Lock()
		if c.status == connPendingReply {
			c.deferred.pushBack(r)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		e.recycleRx(r)
		return
	default:
		return
	}

	if !attr.Reliable() {
		r := e.allocRx()
		if r == nil {
			return
		}
		r.conn = c
		r.dataLen = copy(r.buf, payload)
		r.len = r.dataLen
		e.surfaceRxEvent(r, &types.RecvEvent{Data: r.data(), Connection: c})
		return
	}

	c.mu.Lock()
	c.recordRecvLocked()
	c.mu.Unlock()
	e.handleAck(c, sa.Ack)

	r := e.allocRx()
	if r == nil {
		// Receiver not ready: NACK without advancing the cumulative.
		metrics.RNRSignals.Inc()
		c.mu.Lock()
		ack := c.ack
		c.mu.Unlock()
		e.sendCtrl(c, c.addr, msgConnAck, ackNack, c.peerEpID, c.peerID, func(buf []byte) int {
			return packSeqAck(buf, &seqAck{Seq: sa.Seq, Ack: ack})
		})
		return
	}

	r.conn = c
	r.dataLen = copy(r.buf, payload)
	r.len = r.dataLen

	c.mu.Lock()
	deliver, dup, drop := c.ingestSeqLocked(sa.Seq, r)
	c.mu.Unlock()

	switch {
	case dup:
		metrics.DuplicateDrops.Inc()
		e.recycleRx(r)
	case drop:
		e.recycleRx(r)
	default:
		for _, d := range deliver {
			if d == nil {
				continue // reorder marker for a non-message sequence
			}
			e.surfaceRxEvent(d, &types.RecvEvent{Data: d.data(), Connection: c})
		}
	}
}

// handleRMAWrite lands one write fragment (or read-response fragment) in
// the targeted region.
func (e *endpoint) handleRMAWrite(c *conn, h *header, data []byte) {
	sa, err := unpackSeqAck(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}
	rh, err := unpackRMAHeader(data[seqAckSize:])
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}
	payload := data[seqAckSize+rmaHeaderSize:]
	if uint32(len(payload)) != rh.FragLen {
		metrics.MalformedDrops.Inc()
		return
	}

	c.mu.Lock()
	if c.status != connReady || !c.attr.Reliable() {
		c.mu.Unlock()
		return
	}
	c.recordRecvLocked()
	c.mu.Unlock()
	e.handleAck(c, sa.Ack)

	// Validate before acknowledging so a refused fragment is never
	// mistaken for a delivered one.
	e.mu.Lock()
	reg := e.lookupRegionLocked(rh.Remote)
	ok := reg != nil &&
		reg.flags&types.RMAWrite != 0 &&
		rh.RemoteOff+rh.FragOff+uint64(rh.FragLen) <= uint64(len(reg.buf))
	e.mu.Unlock()
	if !ok {
		sub := uint8(rmaStatusInitiator)
		if h.Sub&rmaReadResponse != 0 {
			// Refusing a fragment of the peer's response stream.
			sub = rmaStatusResponder
		}
		e.sendCtrl(c, c.addr, msgRMAStatus, sub, c.peerEpID, c.peerID, func(buf []byte) int {
			return packRMAStatus(buf, &rmaStatus{OpID: rh.OpID, Status: uint32(types.ErrRMAHandle)})
		})
		return
	}

	c.mu.Lock()
	deliver, dup, drop := c.ingestSeqLocked(sa.Seq, nil)
	c.mu.Unlock()
	if dup || drop {
		if dup {
			metrics.DuplicateDrops.Inc()
		}
		return
	}

	// Fragment writes are offset-addressed and may land out of order;
	// there is no last-byte-written-last guarantee within a transfer.
	copy(reg.buf[rh.RemoteOff+rh.FragOff:], payload)

	for _, d := range deliver {
		if d != nil {
			e.surfaceRxEvent(d, &types.RecvEvent{Data: d.data(), Connection: c})
		}
	}

	if h.Sub&rmaReadResponse != 0 {
		e.rmaReadResponseLanded(c, rh.OpID, uint64(rh.FragLen))
	}
}

// handleRMARead validates a read request and streams the region back as
// write-shaped fragments.
func (e *endpoint) handleRMARead(c *conn, h *header, data []byte) {
	sa, err := unpackSeqAck(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}
	rh, err := unpackRMAHeader(data[seqAckSize:])
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}

	c.mu.Lock()
	if c.status != connReady || !c.attr.Reliable() {
		c.mu.Unlock()
		return
	}
	c.recordRecvLocked()
	c.mu.Unlock()
	e.handleAck(c, sa.Ack)

	e.mu.Lock()
	reg := e.lookupRegionLocked(rh.Remote)
	ok := reg != nil &&
		reg.flags&types.RMARead != 0 &&
		rh.RemoteOff+rh.Length <= uint64(len(reg.buf)) &&
		rh.Length > 0
	if ok {
		reg.inflight++
	}
	e.mu.Unlock()
	if !ok {
		e.sendCtrl(c, c.addr, msgRMAStatus, rmaStatusInitiator, c.peerEpID, c.peerID, func(buf []byte) int {
			return packRMAStatus(buf, &rmaStatus{OpID: rh.OpID, Status: uint32(types.ErrRMAHandle)})
		})
		return
	}

	c.mu.Lock()
	deliver, dup, drop := c.ingestSeqLocked(sa.Seq, nil)
	c.mu.Unlock()
	if dup || drop {
		if dup {
			metrics.DuplicateDrops.Inc()
		}
		e.mu.Lock()
		if reg.inflight > 0 {
			reg.inflight--
		}
		e.mu.Unlock()
		return
	}
	for _, d := range deliver {
		if d != nil {
			e.surfaceRxEvent(d, &types.RecvEvent{Data: d.data(), Connection: c})
		}
	}

	op := &rmaOp{
		conn:      c,
		write:     true,
		respond:   true,
		echoID:    rh.OpID,
		local:     rh.Remote, // our region is the source
		remote:    rh.Local,  // the initiator's region is the destination
		localOff:  rh.RemoteOff,
		remoteOff: rh.LocalOff,
		length:    rh.Length,
		fragSize:  e.maxFrag,
	}
	op.totalFrags = int((op.length + uint64(op.fragSize) - 1) / uint64(op.fragSize))

	c.mu.Lock()
	c.rma.add(op)
	c.mu.Unlock()

	e.scheduleRMA(c)
	e.kickProgress()
}

// handleRMAStatus aborts the local op the peer refused. The sub-field
// names which ledger the id belongs to, so an initiated op and a
// read-response stream with colliding ids cannot be confused.
func (e *endpoint) handleRMAStatus(c *conn, h *header, data []byte) {
	rs, err := unpackRMAStatus(data)
	if err != nil {
		metrics.MalformedDrops.Inc()
		return
	}

	var op *rmaOp
	c.mu.Lock()
	for _, o := range c.rma.ops {
		if h.Sub == rmaStatusResponder && o.respond && o.echoID == rs.OpID {
			op = o
			break
		}
		if h.Sub == rmaStatusInitiator && !o.respond && o.id == rs.OpID {
			op = o
			break
		}
	}
	c.mu.Unlock()
	if op == nil {
		return
	}

	status := types.Status(rs.Status)
	if status == types.Success {
		status = types.ErrRMAOp
	}

	// Cancel fragments still in flight for the op.
	var stale []*tx
	e.dev.mu.Lock()
	for t := e.dev.pending.head; t != nil; {
		next := t.next
		if t.op == op {
			e.dev.pending.remove(t)
			stale = append(stale, t)
		}
		t = next
	}
	for t := e.dev.queued.head; t != nil; {
		next := t.next
		if t.op == op {
			e.dev.queued.remove(t)
			stale = append(stale, t)
		}
		t = next
	}
	e.dev.mu.Unlock()
	for _, t := range stale {
		e.recycleTx(t)
	}

	e.failRMAOp(c, op, status)
}
