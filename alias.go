package cci

import "github.com/unifabric/cci/types"

// Core types re-exported so common applications only import the root
// package.
type (
	Status        = types.Status
	ConnAttribute = types.ConnAttribute
	SendFlag      = types.SendFlag
	Endpoint      = types.Endpoint
	Connection    = types.Connection
	Device        = types.Device
	Event         = types.Event
	EventType     = types.EventType
	RMAHandle     = types.RMAHandle
	RMAFlag       = types.RMAFlag
	OptName       = types.OptName

	SendEvent                 = types.SendEvent
	RecvEvent                 = types.RecvEvent
	ConnectEvent              = types.ConnectEvent
	ConnectRequestEvent       = types.ConnectRequestEvent
	AcceptEvent               = types.AcceptEvent
	KeepaliveTimedOutEvent    = types.KeepaliveTimedOutEvent
	EndpointDeviceFailedEvent = types.EndpointDeviceFailedEvent
)

// Connection attributes.
const (
	ConnRO     = types.ConnRO
	ConnRU     = types.ConnRU
	ConnUU     = types.ConnUU
	ConnUUMCTx = types.ConnUUMCTx
	ConnUUMCRx = types.ConnUUMCRx
)

// Send and RMA flags.
const (
	FlagBlocking = types.FlagBlocking
	FlagNoCopy   = types.FlagNoCopy
	FlagSilent   = types.FlagSilent
	FlagRead     = types.FlagRead
	FlagWrite    = types.FlagWrite
	FlagFence    = types.FlagFence
)

// RMA access flags.
const (
	RMARead  = types.RMARead
	RMAWrite = types.RMAWrite
)

// Frequently compared statuses.
const (
	Success         = types.Success
	ErrDisconnected = types.ErrDisconnected
	ErrRNR          = types.ErrRNR
	ErrRMAHandle    = types.ErrRMAHandle
	ErrRMAOp        = types.ErrRMAOp
	EINVAL          = types.EINVAL
	ETIMEDOUT       = types.ETIMEDOUT
	EAGAIN          = types.EAGAIN
	ENOBUFS         = types.ENOBUFS
	EMSGSIZE        = types.EMSGSIZE
	ECONNREFUSED    = types.ECONNREFUSED
)

// Strerror returns the symbolic name of a status, for diagnostics.
func Strerror(s Status) string {
	return s.String()
}
