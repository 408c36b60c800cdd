package sock

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/unifabric/cci/types"
)

// connStatus is the connection state machine.
type connStatus int

const (
	// connActive: initiator side, CONN_REQUEST in flight.
	connActive connStatus = iota

	// connPendingReply: responder side, request surfaced to the user,
	// CONN_REPLY pending on Accept or Reject.
	connPendingReply

	// connReady: handshake complete (initiator) or accepted (responder).
	connReady

	// connRejected: responder refused; terminal.
	connRejected

	// connFailed: reliability gave up on the connection; terminal.
	connFailed

	// connDisconnected: closed by the user or the peer; terminal.
	connDisconnected
)

func (s connStatus) String() string {
	switch s {
	case connActive:
		return "Active"
	case connPendingReply:
		return "PendingReply"
	case connReady:
		return "Ready"
	case connRejected:
		return "Rejected"
	case connFailed:
		return "Failed"
	case connDisconnected:
		return "Disconnected"
	}
	return "Invalid"
}

// reorderWindow bounds how far past the cumulative ack an out-of-order
// reliable datagram may be buffered. Anything beyond is dropped unacked and
// recovered by the sender's retransmit.
const reorderWindow = 64

// conn is one connection on an endpoint. Reliability state is guarded by
// mu and mutated strictly serially by the endpoint's progress path.
type conn struct {
	ep *endpoint

	attr    types.ConnAttribute
	uri     string
	addr    *net.UDPAddr
	context interface{}

	localID     uint32
	idAllocated bool
	peerID      uint32
	peerEpID    uint32

	mu     sync.Mutex
	status connStatus

	// responder marks connections created by an inbound CONN_REQUEST;
	// initID is the initiator's connection id, kept to suppress duplicate
	// requests.
	responder bool
	initID    uint32

	maxSend     uint32
	sendTimeout time.Duration // zero means endpoint default
	keepalive   time.Duration // zero means endpoint default

	// Sender-side reliability.
	seq          uint64 // next sequence to assign
	lastCtrlNack bool   // peer's last control datagram was a NACK

	// Receiver-side reliability.
	ack      uint64 // cumulative: highest in-order sequence received
	sack     uint64 // RU selective window, bit i = ack+1+i received
	reorder  map[uint64]*rx
	ackDirty bool
	ackTime  time.Time // when ackDirty was set

	// Keepalive bookkeeping.
	lastRecv  time.Time
	lastProbe time.Time
	kaRaised  bool

	// UU datagrams landing before the handshake resolves.
	deferred rxList

	// RMA initiator state.
	rma rmaConnState
}

var _ types.Connection = (*conn)(nil)

// seedSequence returns a fresh initial sequence with randomized low 48
// bits, so stale datagrams from an earlier incarnation of the id fail the
// sequence match.
func (e *endpoint) seedSequence() uint64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	seq := uint64(e.rng.Uint32()) << 16
	seq |= uint64(e.rng.Uint32()) & 0xFFFF
	return seq
}

func (e *endpoint) newConn(attr types.ConnAttribute, addr *net.UDPAddr, context interface{}) *conn {
	return &conn{
		ep:       e,
		attr:     attr,
		addr:     addr,
		context:  context,
		maxSend:  e.maxSend,
		reorder:  map[uint64]*rx{},
		lastRecv: time.Now(),
		rma:      newRMAConnState(),
	}
}

// Attribute returns the reliability class of the connection.
func (c *conn) Attribute() types.ConnAttribute { return c.attr }

// MaxSendSize returns the largest payload Send accepts.
func (c *conn) MaxSendSize() uint32 { return c.maxSend }

// Context returns the user pointer bound at connect or accept time.
func (c *conn) Context() interface{} { return c.context }

// Send queues msg for transmission on the connection.
func (c *conn) Send(msg []byte, context interface{}, flags types.SendFlag) error {
	return c.ep.send(c, [][]byte{msg}, context, flags)
}

// Sendv queues the concatenation of segments for transmission.
func (c *conn) Sendv(segments [][]byte, context interface{}, flags types.SendFlag) error {
	return c.ep.send(c, segments, context, flags)
}

// RMA initiates a one-sided transfer. See types.Connection.
func (c *conn) RMA(completion []byte, local types.RMAHandle, localOffset uint64,
	remote types.RMAHandle, remoteOffset uint64, length uint64,
	context interface{}, flags types.SendFlag) error {
	return c.ep.rma(c, completion, local, localOffset, remote, remoteOffset, length, context, flags)
}

// SetSendTimeout overrides the endpoint send timeout for this connection.
func (c *conn) SetSendTimeout(d time.Duration) error {
	if d < 0 {
		return types.EINVAL
	}
	c.mu.Lock()
	c.sendTimeout = d
	c.mu.Unlock()
	return nil
}

// SetKeepaliveTimeout arms the per-connection keepalive timer.
func (c *conn) SetKeepaliveTimeout(d time.Duration) error {
	if d < 0 {
		return types.EINVAL
	}
	c.mu.Lock()
	c.keepalive = d
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection. Outstanding reliable operations
// complete with ErrDisconnected.
func (c *conn) Disconnect() error {
	return c.ep.disconnect(c)
}

// effTimeout returns the send timeout in force for the connection.
func (c *conn) effTimeout() time.Duration {
	if c.sendTimeout != 0 {
		return c.sendTimeout
	}
	return c.ep.sendTimeout
}

// effKeepalive returns the keepalive interval in force, zero when
// disarmed.
func (c *conn) effKeepalive() time.Duration {
	if c.keepalive != 0 {
		return c.keepalive
	}
	return c.ep.keepalive
}

// reqKey indexes responder-side connections by initiator identity for
// duplicate-request suppression.
func reqKey(addr *net.UDPAddr, initID uint32) string {
	return fmt.Sprintf("%s/%d", addr.String(), initID)
}

// nextSeqLocked assigns the next send sequence. Caller holds c.mu.
func (c *conn) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// recordRecvLocked notes inbound traffic for keepalive accounting. Caller holds
// c.mu.
func (c *conn) recordRecvLocked() {
	c.lastRecv = time.Now()
	c.kaRaised = false
	c.lastCtrlNack = false
}

// markAckDirtyLocked schedules an acknowledgement for the peer. Caller
// holds c.mu.
func (c *conn) markAckDirtyLocked() {
	if !c.ackDirty {
		c.ackDirty = true
		c.ackTime = time.Now()
	}
}

// ingestSeqLocked runs the receive side of the reliability engine for one
// inbound sequence. Caller holds c.mu.
//
// RO buffers out-of-order arrivals in the reorder map and surfaces only in
// sequence order; RU tracks non-contiguous arrivals in the selective-ack
// bitmap and surfaces in arrival order, exactly once.
//
// Returns the rx slots to surface now (in delivery order), dup=true when
// the sequence was already delivered (drop, but refresh the ack), and
// drop=true when the datagram falls outside the reorder window and must be
// dropped unacknowledged. When none of the three, the rx was buffered and
// is now owned by the reorder buffer.
func (c *conn) ingestSeqLocked(seq uint64, r *rx) (deliver []*rx, dup, drop bool) {
	switch {
	case seq <= c.ack:
		c.markAckDirtyLocked()
		return nil, true, false

	case seq == c.ack+1:
		c.ack++
		deliver = append(deliver, r)
		if c.attr.Ordered() {
			for {
				next, ok := c.reorder[c.ack+1]
				if !ok {
					break
				}
				delete(c.reorder, c.ack+1)
				c.ack++
				deliver = append(deliver, next)
			}
		} else {
			// Fold selectively received successors into the cumulative.
			c.sack >>= 1
			for c.sack&1 != 0 {
				c.ack++
				c.sack >>= 1
			}
		}
		c.markAckDirtyLocked()
		return deliver, false, false

	default:
		off := seq - c.ack - 1 // bit 0 is ack+1
		if off >= reorderWindow {
			return nil, false, true
		}
		if c.attr.Ordered() {
			if _, ok := c.reorder[seq]; ok {
				c.markAckDirtyLocked()
				return nil, true, false
			}
			c.reorder[seq] = r
			return nil, false, false
		}
		if c.sack&(1<<off) != 0 {
			c.markAckDirtyLocked()
			return nil, true, false
		}
		c.sack |= 1 << off
		c.markAckDirtyLocked()
		return []*rx{r}, false, false
	}
}
