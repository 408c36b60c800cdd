package sock

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/unifabric/cci/types"
)

// rmaRegion is one registered memory region on an endpoint.
type rmaRegion struct {
	id       uint32
	buf      []byte
	flags    types.RMAFlag
	nonce    [16]byte
	inflight int // operations currently referencing the region
}

// packRMAHandle fills the opaque 32-byte handle: endpoint id, region id,
// access bits, and a validity nonce. A peer holding the handle can name
// the region without knowing anything else about the endpoint.
func packRMAHandle(epID uint32, reg *rmaRegion) types.RMAHandle {
	var h types.RMAHandle
	binary.BigEndian.PutUint32(h[0:4], epID)
	binary.BigEndian.PutUint32(h[4:8], reg.id)
	binary.BigEndian.PutUint32(h[8:12], uint32(reg.flags))
	copy(h[16:32], reg.nonce[:])
	return h
}

// unpackRMAHandle splits a handle into its fields without validating them.
func unpackRMAHandle(h types.RMAHandle) (epID, regionID uint32, flags types.RMAFlag, nonce []byte) {
	return binary.BigEndian.Uint32(h[0:4]),
		binary.BigEndian.Uint32(h[4:8]),
		types.RMAFlag(binary.BigEndian.Uint32(h[8:12])),
		h[16:32]
}

// RMARegister registers buf for remote access and returns its opaque
// handle.
func (e *endpoint) RMARegister(buf []byte, flags types.RMAFlag) (types.RMAHandle, error) {
	if len(buf) == 0 || flags&(types.RMARead|types.RMAWrite) == 0 {
		return types.RMAHandle{}, types.EINVAL
	}

	id, err := e.regionIDs.get()
	if err != nil {
		return types.RMAHandle{}, err
	}

	reg := &rmaRegion{
		id:    id,
		buf:   buf,
		flags: flags,
		nonce: [16]byte(uuid.New()),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.regionIDs.put(id)
		return types.RMAHandle{}, types.ErrDisconnected
	}
	e.regions[id] = reg
	e.mu.Unlock()

	e.logger.Debug("registered rma region %d (%d bytes, flags %#x)", id, len(buf), flags)
	return packRMAHandle(e.id, reg), nil
}

// RMADeregister withdraws a region. While an RMA involving the region is
// in flight it returns EBUSY and the region stays registered.
func (e *endpoint) RMADeregister(handle types.RMAHandle) error {
	e.mu.Lock()
	reg := e.lookupRegionLocked(handle)
	if reg == nil {
		e.mu.Unlock()
		return types.ErrRMAHandle
	}
	if reg.inflight > 0 {
		e.mu.Unlock()
		return types.EBUSY
	}
	delete(e.regions, reg.id)
	e.mu.Unlock()

	e.regionIDs.put(reg.id)
	return nil
}

// lookupRegionLocked resolves a handle against this endpoint's region
// table, checking owner, id, and nonce. Caller holds e.mu.
func (e *endpoint) lookupRegionLocked(handle types.RMAHandle) *rmaRegion {
	epID, regionID, _, nonce := unpackRMAHandle(handle)
	if epID != e.id {
		return nil
	}
	reg, ok := e.regions[regionID]
	if !ok || !bytes.Equal(nonce, reg.nonce[:]) {
		return nil
	}
	return reg
}

// rmaOp is one outstanding RMA operation on a connection. Initiator-side
// ops drive fragments through the reliability engine; responder-side ops
// stream read responses.
type rmaOp struct {
	conn *conn
	id   uint32

	write     bool // WRITE (or read-response stream) vs READ request
	fence     bool
	respond   bool   // responder streaming a read back
	echoID    uint32 // initiator's op id, echoed on read responses
	flags     types.SendFlag
	context   interface{}
	local     types.RMAHandle
	remote    types.RMAHandle
	localOff  uint64
	remoteOff uint64
	length    uint64

	completion []byte

	fragSize   uint32
	totalFrags int
	nextFrag   int // next fragment index to issue
	acked      int // fragments remotely acknowledged

	recvBytes uint64 // READ initiator: response bytes landed

	completionSent bool
	finished       bool
	status         types.Status

	done chan struct{} // non-nil on blocking ops
}

// remaining reports whether the op still has fragments to issue.
func (op *rmaOp) remaining() bool { return op.nextFrag < op.totalFrags }

// rmaConnState is the per-connection RMA ledger: outstanding ops in issue
// order plus the opID correlation index. Guarded by the connection lock.
type rmaConnState struct {
	ops    []*rmaOp
	byID   map[uint32]*rmaOp
	nextID uint32
}

func newRMAConnState() rmaConnState {
	return rmaConnState{byID: map[uint32]*rmaOp{}}
}

func (s *rmaConnState) add(op *rmaOp) {
	s.nextID++
	op.id = s.nextID
	s.ops = append(s.ops, op)
	s.byID[op.id] = op
}

func (s *rmaConnState) drop(op *rmaOp) {
	delete(s.byID, op.id)
	for i, o := range s.ops {
		if o == op {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			break
		}
	}
}

// eligible returns the ops allowed to issue fragments under the fence
// discipline: a fenced op waits for every prior op to complete remotely,
// and everything after an unfinished fenced op is held. Caller holds the
// connection lock.
func (s *rmaConnState) eligible() []*rmaOp {
	var out []*rmaOp
	allPriorDone := true
	for _, op := range s.ops {
		if op.fence && !allPriorDone {
			break
		}
		out = append(out, op)
		if !op.finished {
			allPriorDone = false
			if op.fence {
				break
			}
		}
	}
	return out
}

// rma validates and enqueues a one-sided transfer on the connection.
func (e *endpoint) rma(c *conn, completion []byte, local types.RMAHandle, localOffset uint64,
	remote types.RMAHandle, remoteOffset uint64, length uint64,
	context interface{}, flags types.SendFlag) error {

	rw := flags & (types.FlagRead | types.FlagWrite)
	if rw != types.FlagRead && rw != types.FlagWrite {
		return types.EINVAL
	}
	if length == 0 {
		return types.EINVAL
	}
	if !c.attr.Reliable() {
		return types.EINVAL
	}
	if uint32(len(completion)) > c.maxSend {
		return types.EMSGSIZE
	}

	c.mu.Lock()
	if c.status != connReady {
		c.mu.Unlock()
		return types.ErrDisconnected
	}
	c.mu.Unlock()

	// The local region must be ours and must admit the access.
	e.mu.Lock()
	reg := e.lookupRegionLocked(local)
	if reg == nil {
		e.mu.Unlock()
		return types.ErrRMAHandle
	}
	need := types.RMAWrite // READ writes into the local region
	if rw == types.FlagWrite {
		need = types.RMARead // WRITE reads out of the local region
	}
	if reg.flags&need == 0 {
		e.mu.Unlock()
		return types.ErrRMAHandle
	}
	if localOffset+length > uint64(len(reg.buf)) {
		e.mu.Unlock()
		return types.ErrRMAHandle
	}
	reg.inflight++
	e.mu.Unlock()

	op := &rmaOp{
		conn:      c,
		write:     rw == types.FlagWrite,
		fence:     flags&types.FlagFence != 0,
		flags:     flags,
		context:   context,
		local:     local,
		remote:    remote,
		localOff:  localOffset,
		remoteOff: remoteOffset,
		length:    length,
		fragSize:  e.maxFrag,
	}
	if len(completion) > 0 {
		op.completion = append([]byte(nil), completion...)
	}
	if op.write {
		op.totalFrags = int((length + uint64(op.fragSize) - 1) / uint64(op.fragSize))
	} else {
		op.totalFrags = 1 // a READ issues a single request message
	}
	if flags&types.FlagBlocking != 0 {
		op.done = make(chan struct{})
	}

	c.mu.Lock()
	c.rma.add(op)
	c.mu.Unlock()

	e.scheduleRMA(c)
	e.kickProgress()

	if op.done != nil {
		<-op.done
		if op.status != types.Success {
			return op.status
		}
		return nil
	}
	return nil
}

// scheduleRMA issues fragments for every eligible op on the connection,
// as far as idle tx slots allow. Further fragments are issued as earlier
// ones complete.
func (e *endpoint) scheduleRMA(c *conn) {
	c.mu.Lock()
	elig := c.rma.eligible()
	c.mu.Unlock()

	for _, op := range elig {
		if op.finished {
			continue
		}
		if op.write {
			e.issueWriteFrags(c, op)
		} else if op.nextFrag == 0 {
			e.issueReadRequest(c, op)
		}
	}
}

// issueWriteFrags emits as many pending fragments of a WRITE (or a
// responder's read-response stream) as tx availability allows.
func (e *endpoint) issueWriteFrags(c *conn, op *rmaOp) {
	for {
		c.mu.Lock()
		if op.finished || !op.remaining() {
			c.mu.Unlock()
			return
		}
		frag := op.nextFrag
		c.mu.Unlock()

		fragOff := uint64(frag) * uint64(op.fragSize)
		fragLen := op.length - fragOff
		if fragLen > uint64(op.fragSize) {
			fragLen = uint64(op.fragSize)
		}

		var src []byte
		e.mu.Lock()
		reg := e.lookupRegionLocked(op.local)
		if reg != nil {
			src = reg.buf[op.localOff+fragOff : op.localOff+fragOff+fragLen]
		}
		e.mu.Unlock()
		if src == nil {
			e.failRMAOp(c, op, types.ErrRMAHandle)
			return
		}

		sub := uint8(0)
		if op.fence {
			sub |= rmaFence
		}
		opID := op.id
		if op.respond {
			sub |= rmaReadResponse
			opID = op.echoID
		}

		rh := &rmaHeader{
			Local:      op.local,
			Remote:     op.remote,
			LocalOff:   op.localOff,
			RemoteOff:  op.remoteOff,
			Length:     op.length,
			FragOff:    fragOff,
			FragLen:    uint32(fragLen),
			OpID:       opID,
			MsgLen:     uint16(len(op.completion)),
			TotalFrags: uint16(op.totalFrags),
		}

		if !e.queueRMAFragment(c, op, msgRMAWrite, sub, rh, src) {
			return // no tx slot; resume when one frees
		}

		c.mu.Lock()
		op.nextFrag++
		c.mu.Unlock()
	}
}

// issueReadRequest emits the single READ request describing the transfer.
func (e *endpoint) issueReadRequest(c *conn, op *rmaOp) {
	sub := uint8(0)
	if op.fence {
		sub |= rmaFence
	}
	rh := &rmaHeader{
		Local:      op.local,
		Remote:     op.remote,
		LocalOff:   op.localOff,
		RemoteOff:  op.remoteOff,
		Length:     op.length,
		FragOff:    0,
		FragLen:    0,
		OpID:       op.id,
		MsgLen:     uint16(len(op.completion)),
		TotalFrags: 1,
	}
	if e.queueRMAFragment(c, op, msgRMARead, sub, rh, nil) {
		c.mu.Lock()
		op.nextFrag = 1
		c.mu.Unlock()
	}
}

// queueRMAFragment packs one reliable RMA control message and enqueues it
// on the device queued list. Returns false when no tx slot is available.
func (e *endpoint) queueRMAFragment(c *conn, op *rmaOp, mt msgType, sub uint8, rh *rmaHeader, payload []byte) bool {
	e.mu.Lock()
	t := e.idleTxs.popFront()
	e.mu.Unlock()
	if t == nil {
		return false
	}

	c.mu.Lock()
	seq := c.nextSeqLocked()
	ack := c.ack
	c.mu.Unlock()

	t.conn = c
	t.msgType = mt
	t.op = op
	t.seq = seq
	t.timeout = c.effTimeout()

	h := &header{
		Type:       mt,
		Sub:        sub,
		EndpointID: c.peerEpID,
		ConnID:     c.peerID,
	}
	n := packHeader(t.buf, h)
	n += packSeqAck(t.buf[n:], &seqAck{Seq: seq, Ack: ack})
	n += packRMAHeader(t.buf[n:], rh)
	n += copy(t.buf[n:], payload)
	t.len = n
	packLength(t.buf, n)

	e.enqueueTx(t)
	return true
}

// rmaFragDone is called by the reliability engine when a fragment tx
// completes, successfully or not.
func (e *endpoint) rmaFragDone(op *rmaOp, mt msgType, status types.Status) {
	c := op.conn

	if status != types.Success {
		e.failRMAOp(c, op, status)
		return
	}

	c.mu.Lock()
	if op.finished {
		c.mu.Unlock()
		return
	}
	if mt == msgSend {
		// The completion message was acknowledged; the op is done.
		c.mu.Unlock()
		e.finishRMAOp(c, op, types.Success)
		return
	}

	op.acked++
	writeDone := op.write && op.acked == op.totalFrags
	readDone := !op.write && !op.respond && op.recvBytes == op.length && op.acked == op.totalFrags
	respondDone := op.respond && op.acked == op.totalFrags
	c.mu.Unlock()

	switch {
	case respondDone:
		e.finishRMAOp(c, op, types.Success)
	case writeDone || readDone:
		e.rmaRemoteComplete(c, op)
	default:
		e.scheduleRMA(c)
	}
}

// rmaRemoteComplete runs once every fragment of an op is remotely
// acknowledged: it emits the completion message if the user supplied one,
// otherwise finishes the op.
func (e *endpoint) rmaRemoteComplete(c *conn, op *rmaOp) {
	c.mu.Lock()
	if op.finished || op.completionSent {
		c.mu.Unlock()
		return
	}
	if len(op.completion) == 0 {
		c.mu.Unlock()
		e.finishRMAOp(c, op, types.Success)
		return
	}
	op.completionSent = true
	c.mu.Unlock()

	if err := e.sendInternal(c, op.completion, op); err != nil {
		e.failRMAOp(c, op, types.StatusOf(err))
	}
}

// rmaReadResponseLanded accounts one read-response fragment written into
// the initiator's region.
func (e *endpoint) rmaReadResponseLanded(c *conn, opID uint32, n uint64) {
	c.mu.Lock()
	op := c.rma.byID[opID]
	if op == nil || op.respond || op.finished {
		c.mu.Unlock()
		return
	}
	op.recvBytes += n
	done := op.recvBytes >= op.length && op.acked == op.totalFrags
	c.mu.Unlock()

	if done {
		e.rmaRemoteComplete(c, op)
	}
}

// finishRMAOp completes an op and surfaces its send event.
func (e *endpoint) finishRMAOp(c *conn, op *rmaOp, status types.Status) {
	c.mu.Lock()
	if op.finished {
		c.mu.Unlock()
		return
	}
	op.finished = true
	op.status = status
	c.rma.drop(op)
	c.mu.Unlock()

	e.releaseRegion(op.local)

	if op.done != nil {
		close(op.done)
	} else if !op.respond && (status != types.Success || op.flags&types.FlagSilent == 0) {
		e.surfaceSendEvent(c, op.context, status)
	}

	// A finished op may unblock fenced successors.
	e.scheduleRMA(c)
}

// failRMAOp aborts an op with the mapped error status.
func (e *endpoint) failRMAOp(c *conn, op *rmaOp, status types.Status) {
	e.finishRMAOp(c, op, status)
}

// releaseRegion drops the inflight reference taken at initiation.
func (e *endpoint) releaseRegion(handle types.RMAHandle) {
	e.mu.Lock()
	if reg := e.lookupRegionLocked(handle); reg != nil && reg.inflight > 0 {
		reg.inflight--
	}
	e.mu.Unlock()
}
