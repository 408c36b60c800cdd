package types

import "time"

// ConnAttribute selects the reliability and ordering class of a connection.
type ConnAttribute int

const (
	// ConnRO is reliable ordered: sends complete in call order and the
	// peer receives payloads in that order, exactly once.
	ConnRO ConnAttribute = iota

	// ConnRU is reliable unordered: delivery is exactly-once but sends may
	// complete, and payloads may arrive, in any order.
	ConnRU

	// ConnUU is unreliable unordered datagram service.
	ConnUU

	// ConnUUMCTx is the multicast send half of an unreliable channel.
	ConnUUMCTx

	// ConnUUMCRx is the multicast receive half of an unreliable channel.
	ConnUUMCRx
)

// Reliable reports whether the attribute carries sequencing, acks, and
// retransmission.
func (a ConnAttribute) Reliable() bool {
	return a == ConnRO || a == ConnRU
}

// Ordered reports whether delivery order matches send order.
func (a ConnAttribute) Ordered() bool {
	return a == ConnRO
}

func (a ConnAttribute) String() string {
	switch a {
	case ConnRO:
		return "RO"
	case ConnRU:
		return "RU"
	case ConnUU:
		return "UU"
	case ConnUUMCTx:
		return "UU_MC_TX"
	case ConnUUMCRx:
		return "UU_MC_RX"
	}
	return "INVALID"
}

// SendFlag modifies the behavior of Send, Sendv, and RMA.
type SendFlag int

const (
	// FlagBlocking suspends the caller until the operation completes. The
	// completion is consumed internally; no event is surfaced.
	FlagBlocking SendFlag = 1 << iota

	// FlagNoCopy promises the payload buffer stays untouched until the
	// send completes, letting the transport skip the copy where it can.
	FlagNoCopy

	// FlagSilent suppresses the completion event on success. Failed
	// operations still surface an event.
	FlagSilent

	// FlagRead selects an RMA read (remote region into local region).
	FlagRead

	// FlagWrite selects an RMA write (local region into remote region).
	FlagWrite

	// FlagFence orders the RMA after all prior RMAs on the connection.
	FlagFence
)

// Connection is a reliability-typed channel between two endpoints.
//
// All methods are safe for concurrent use.
type Connection interface {
	// Attribute returns the reliability class the connection was opened with.
	Attribute() ConnAttribute

	// MaxSendSize returns the largest payload accepted by Send on this
	// connection.
	MaxSendSize() uint32

	// Context returns the user pointer supplied at connect or accept time.
	Context() interface{}

	// Send queues msg for transmission. The completion surfaces as a
	// SendEvent carrying context, unless FlagSilent or FlagBlocking.
	Send(msg []byte, context interface{}, flags SendFlag) error

	// Sendv is Send over a gather list. Segments are concatenated in order
	// into a single message.
	Sendv(segments [][]byte, context interface{}, flags SendFlag) error

	// RMA initiates a one-sided transfer of length bytes between the local
	// and remote registered regions. Exactly one of FlagRead or FlagWrite
	// is required. If completion is non-nil it is delivered to the peer as
	// an ordinary receive after all fragments have landed.
	RMA(completion []byte, local RMAHandle, localOffset uint64,
		remote RMAHandle, remoteOffset uint64, length uint64,
		context interface{}, flags SendFlag) error

	// SetSendTimeout overrides the endpoint send timeout for this
	// connection. Zero restores the endpoint default.
	SetSendTimeout(d time.Duration) error

	// SetKeepaliveTimeout overrides the endpoint keepalive interval for this
	// connection. Zero restores the endpoint interval; the connection's
	// keepalive is off only when that interval is also zero.
	SetKeepaliveTimeout(d time.Duration) error

	// Disconnect closes the connection. Outstanding operations complete
	// with ErrDisconnected.
	Disconnect() error
}
