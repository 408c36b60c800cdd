package sock

import (
	"net"
	"time"

	"github.com/unifabric/cci/types"
)

// txState tracks where a send buffer is in its lifecycle. Every slot is on
// exactly one list at all times: endpoint idle, device queued, device
// pending, or the endpoint event list.
type txState int

const (
	txIdle txState = iota
	txQueued
	txPending
	txCompleted
)

// tx is one pre-allocated send slot with its envelope.
type tx struct {
	ep   *endpoint
	conn *conn

	buf []byte // arena-backed, fixed capacity
	len int    // bytes to transmit

	msgType msgType
	seq     uint64
	flags   types.SendFlag
	context interface{}
	state   txState

	// addr overrides the connection's address; used before a connection
	// is bound (handshake traffic) and for one-shot control datagrams.
	addr *net.UDPAddr

	firstSend time.Time
	deadline  time.Time // next resend time
	cycles    int
	resends   int
	timeout   time.Duration // effective timeout of this operation

	// done is non-nil on blocking sends; closed on completion.
	done chan struct{}

	// op is non-nil when this tx is an RMA fragment, request, or
	// completion message.
	op *rmaOp

	status types.Status
	evt    evtRec

	prev, next *tx
}

// rx is one pre-allocated receive slot with its envelope.
type rx struct {
	ep   *endpoint
	conn *conn

	buf     []byte
	len     int // total datagram length
	dataOff int // offset of the user payload within buf
	dataLen int

	evt evtRec

	prev, next *rx
}

// data returns the user payload held by the slot.
func (r *rx) data() []byte {
	return r.buf[r.dataOff : r.dataOff+r.dataLen]
}

// evtRec links an event into the endpoint event queue and remembers the
// slot whose storage backs it, so ReturnEvent can recycle the right one.
type evtRec struct {
	ev types.Event
	tx *tx
	rx *rx

	prev, next *evtRec
}

// txList is an intrusive doubly-linked queue of tx slots.
type txList struct {
	head, tail *tx
}

func (l *txList) empty() bool { return l.head == nil }

func (l *txList) pushBack(t *tx) {
	t.prev = l.tail
	t.next = nil
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *txList) pushFront(t *tx) {
	t.next = l.head
	t.prev = nil
	if l.head != nil {
		l.head.prev = t
	} else {
		l.tail = t
	}
	l.head = t
}

func (l *txList) remove(t *tx) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.prev, t.next = nil, nil
}

func (l *txList) popFront() *tx {
	t := l.head
	if t != nil {
		l.remove(t)
	}
	return t
}

// rxList is an intrusive doubly-linked queue of rx slots.
type rxList struct {
	head, tail *rx
}

func (l *rxList) empty() bool { return l.head == nil }

func (l *rxList) pushBack(r *rx) {
	r.prev = l.tail
	r.next = nil
	if l.tail != nil {
		l.tail.next = r
	} else {
		l.head = r
	}
	l.tail = r
}

func (l *rxList) remove(r *rx) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev, r.next = nil, nil
}

func (l *rxList) popFront() *rx {
	r := l.head
	if r != nil {
		l.remove(r)
	}
	return r
}

// evtList is the endpoint's queue of surfaced events.
type evtList struct {
	head, tail *evtRec
}

func (l *evtList) empty() bool { return l.head == nil }

func (l *evtList) pushBack(e *evtRec) {
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
}

func (l *evtList) remove(e *evtRec) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (l *evtList) popFront() *evtRec {
	e := l.head
	if e != nil {
		l.remove(e)
	}
	return e
}

// newTxPool pre-allocates count send slots backed by one contiguous arena
// and links them all onto the returned idle list.
func newTxPool(ep *endpoint, count int, bufLen int) ([]*tx, txList) {
	arena := make([]byte, count*bufLen)
	slots := make([]*tx, count)
	backing := make([]tx, count)

	var idle txList
	for i := range backing {
		t := &backing[i]
		t.ep = ep
		t.buf = arena[i*bufLen : (i+1)*bufLen : (i+1)*bufLen]
		t.evt.tx = t
		slots[i] = t
		idle.pushBack(t)
	}
	return slots, idle
}

// newRxPool mirrors newTxPool for receive slots.
func newRxPool(ep *endpoint, count int, bufLen int) ([]*rx, rxList) {
	arena := make([]byte, count*bufLen)
	slots := make([]*rx, count)
	backing := make([]rx, count)

	var idle rxList
	for i := range backing {
		r := &backing[i]
		r.ep = ep
		r.buf = arena[i*bufLen : (i+1)*bufLen : (i+1)*bufLen]
		r.evt.rx = r
		slots[i] = r
		idle.pushBack(r)
	}
	return slots, idle
}

// reset clears a tx for reuse. The caller relinks it onto the idle list.
func (t *tx) reset() {
	t.conn = nil
	t.len = 0
	t.msgType = msgInvalid
	t.seq = 0
	t.flags = 0
	t.context = nil
	t.state = txIdle
	t.addr = nil
	t.firstSend = time.Time{}
	t.deadline = time.Time{}
	t.cycles = 0
	t.resends = 0
	t.timeout = 0
	t.done = nil
	t.op = nil
	t.status = types.Success
	t.evt.ev = nil
}

// reset clears an rx for reuse. The caller relinks it onto the idle list.
func (r *rx) reset() {
	r.conn = nil
	r.len = 0
	r.dataOff = 0
	r.dataLen = 0
	r.evt.ev = nil
}
