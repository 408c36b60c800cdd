package types

import "time"

// MaxConnPayload is the largest opaque payload a connection request may
// carry.
const MaxConnPayload = 1024

// RMAFlag describes the access rights of a registered RMA region.
type RMAFlag int

const (
	// RMARead permits remote reads of the region.
	RMARead RMAFlag = 1 << iota

	// RMAWrite permits remote writes into the region.
	RMAWrite
)

// RMAHandleSize is the wire size of an opaque region handle.
const RMAHandleSize = 32

// RMAHandle names a registered region. It is opaque, fixed-size, and
// portable: a handle shipped to a peer over a reliable send is usable by
// that peer for RMA against the registering endpoint.
type RMAHandle [RMAHandleSize]byte

// RMAAlign reports the transport's alignment requirements for RMA. A zero
// value means no restriction for that field.
type RMAAlign struct {
	RMAWriteLocalAddr  uint32
	RMAWriteRemoteAddr uint32
	RMAWriteLength     uint32
	RMAReadLocalAddr   uint32
	RMAReadRemoteAddr  uint32
	RMAReadLength      uint32
}

// OptName names a gettable/settable endpoint option.
type OptName int

const (
	// OptSendTimeout is the endpoint default send timeout (time.Duration).
	OptSendTimeout OptName = iota

	// OptRecvBufCount is the number of receive buffers (uint32).
	OptRecvBufCount

	// OptSendBufCount is the number of send buffers (uint32).
	OptSendBufCount

	// OptKeepaliveTimeout is the endpoint keepalive interval
	// (time.Duration, zero disables).
	OptKeepaliveTimeout

	// OptURI is the endpoint's bound URI (string, read-only).
	OptURI

	// OptRMAAlign is the RMA alignment vector (RMAAlign, read-only).
	OptRMAAlign
)

// Endpoint is a bound communication context owning buffers, a socket, a
// connection table, and an event queue.
//
// All methods are safe for concurrent use. Progress is made by an internal
// worker and additionally whenever GetEvent is called.
type Endpoint interface {
	// URI returns the endpoint's bound address in scheme://host:service
	// form. Peers pass it to Connect.
	URI() string

	// OSHandle returns the endpoint's socket descriptor, usable with the
	// host's native wait primitive. Readability is an edge-triggered hint
	// that GetEvent may succeed; a concurrent drainer may still win the
	// event. Returns -1 if the transport has no descriptor to expose.
	OSHandle() int

	// Connect initiates a connection to the endpoint named by uri,
	// carrying payload (at most MaxConnPayload bytes) to the listener.
	// The outcome surfaces as a ConnectEvent bound to context. A zero
	// timeout applies the transport default.
	Connect(uri string, payload []byte, attribute ConnAttribute,
		context interface{}, timeout time.Duration) error

	// GetEvent pops the next pending event, transferring ownership of its
	// storage to the caller until ReturnEvent. It never blocks: with no
	// event pending it returns EAGAIN, or ENOBUFS when additionally the
	// receive pool is exhausted and the application must return events
	// before further traffic can land.
	GetEvent() (Event, error)

	// ReturnEvent hands an event's storage back to the endpoint. Events
	// may be returned in any order.
	ReturnEvent(Event) error

	// RMARegister registers buf for remote access and returns its handle.
	RMARegister(buf []byte, flags RMAFlag) (RMAHandle, error)

	// RMADeregister withdraws a region. It returns EBUSY while an RMA
	// involving the region is in flight; the region stays registered.
	RMADeregister(handle RMAHandle) error

	// SetOption sets a runtime option.
	SetOption(name OptName, value interface{}) error

	// GetOption reads a runtime option.
	GetOption(name OptName) (interface{}, error)

	// Close destroys the endpoint, implicitly disconnecting every
	// connection and releasing all buffers.
	Close() error
}
