// Package sock implements the CCI transport contract over UDP datagrams.
//
// The package carries the transport runtime the rest of the library leans
// on: connection establishment, per-connection reliability (sequenced send,
// cumulative acknowledgement, timeout-bounded retransmission), ordered and
// unordered delivery, receive-buffer management, the endpoint event queue,
// and RMA orchestration layered on the reliable message channel.
package sock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/unifabric/cci/types"
)

const (
	// DefaultMTU is the wire MTU the transport assumes when the device
	// configuration does not override it.
	DefaultMTU = 1500

	// ipUDPOverhead is the IP and UDP header budget subtracted from the
	// MTU before CCI framing.
	ipUDPOverhead = 28

	// headerSize is the generic header present on every datagram.
	headerSize = 12

	// seqAckSize is the sequence/acknowledgement block carried by every
	// reliable datagram.
	seqAckSize = 16

	// connRequestSize is the CONN_REQUEST extension after the generic
	// header.
	connRequestSize = 20

	// connReplySize is the CONN_REPLY extension after the generic header.
	connReplySize = 24

	// rmaHeaderSize is the RMA extension after the generic header and the
	// sequence/acknowledgement block.
	rmaHeaderSize = 2*types.RMAHandleSize + 8 + 8 + 8 + 8 + 4 + 4 + 2 + 2
)

// msgType is the 8-bit datagram type.
type msgType uint8

const (
	msgInvalid msgType = iota

	// msgSend is an application message on an established connection.
	msgSend

	// msgConnRequest opens the REQUEST->REPLY->ACK handshake.
	msgConnRequest

	// msgConnReply answers a request, accepting or rejecting it.
	msgConnReply

	// msgConnAck acknowledges a reply, and doubles as the bare
	// acknowledgement / receiver-not-ready control datagram.
	msgConnAck

	// msgRMAWrite carries one fragment of an RMA write, or of an RMA read
	// response.
	msgRMAWrite

	// msgRMARead asks the peer to stream a registered region back.
	msgRMARead

	// msgRMAStatus reports an RMA validation failure back to the
	// initiator.
	msgRMAStatus

	// msgKeepalive is the out-of-band liveness probe.
	msgKeepalive
)

func (t msgType) String() string {
	switch t {
	case msgSend:
		return "SEND"
	case msgConnRequest:
		return "CONN_REQUEST"
	case msgConnReply:
		return "CONN_REPLY"
	case msgConnAck:
		return "CONN_ACK"
	case msgRMAWrite:
		return "RMA_WRITE"
	case msgRMARead:
		return "RMA_READ"
	case msgRMAStatus:
		return "RMA_STATUS"
	case msgKeepalive:
		return "OOB_KEEPALIVE"
	}
	return "INVALID"
}

// Sub-field values for msgConnReply.
const (
	replyAccepted = 0
	replyRejected = 1
)

// Sub-field values for msgConnAck.
const (
	ackCumulative = 0
	ackNack       = 1
)

// Sub-field bits for msgRMAWrite and msgRMARead.
const (
	rmaFence        = 0x01
	rmaReadResponse = 0x02
)

// Sub-field values for msgRMAStatus: whether the refused operation was the
// receiver's own initiated op or its read-response stream.
const (
	rmaStatusInitiator = 0
	rmaStatusResponder = 1
)

// ErrMalformed is returned by the unpack functions for any datagram that
// fails bounds or sanity checks. Malformed datagrams are dropped silently.
var ErrMalformed = errors.New("malformed datagram")

// header is the generic header carried by every datagram. Integers are
// big-endian on the wire.
type header struct {
	Type       msgType
	Sub        uint8
	Length     uint16 // total datagram length, header included
	EndpointID uint32 // destination endpoint id
	ConnID     uint32 // destination connection id
}

func packHeader(buf []byte, h *header) int {
	buf[0] = byte(h.Type)
	buf[1] = h.Sub
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.EndpointID)
	binary.BigEndian.PutUint32(buf[8:12], h.ConnID)
	return headerSize
}

// packLength back-patches the total datagram length once the payload is
// in place.
func packLength(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
}

func unpackHeader(data []byte) (*header, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("short datagram (%d bytes): %w", len(data), ErrMalformed)
	}
	h := &header{
		Type:       msgType(data[0]),
		Sub:        data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
		EndpointID: binary.BigEndian.Uint32(data[4:8]),
		ConnID:     binary.BigEndian.Uint32(data[8:12]),
	}
	if h.Type <= msgInvalid || h.Type > msgKeepalive {
		return nil, fmt.Errorf("unknown type %d: %w", data[0], ErrMalformed)
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("length field %d != datagram %d: %w", h.Length, len(data), ErrMalformed)
	}
	return h, nil
}

// packAckField re-stamps the cumulative ack of a packed reliable datagram
// in place.
func packAckField(buf []byte, ack uint64) {
	binary.BigEndian.PutUint64(buf[headerSize+8:headerSize+16], ack)
}

// seqAck is the sequence/acknowledgement block every reliable datagram
// carries directly after the generic header.
type seqAck struct {
	Seq uint64
	Ack uint64
}

func packSeqAck(buf []byte, sa *seqAck) int {
	binary.BigEndian.PutUint64(buf[0:8], sa.Seq)
	binary.BigEndian.PutUint64(buf[8:16], sa.Ack)
	return seqAckSize
}

func unpackSeqAck(data []byte) (*seqAck, error) {
	if len(data) < seqAckSize {
		return nil, fmt.Errorf("short seq/ack block: %w", ErrMalformed)
	}
	return &seqAck{
		Seq: binary.BigEndian.Uint64(data[0:8]),
		Ack: binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// connRequest is the CONN_REQUEST extension. The attribute rides in the
// generic header's sub-field. The initiator's endpoint id is included so
// the responder can address the reply; the initiator learns the
// responder's the same way from the reply.
type connRequest struct {
	ConnID     uint32 // initiator's connection id
	PayloadLen uint16
	Seq        uint64 // initiator's randomly seeded initial sequence
	EndpointID uint32 // initiator's endpoint id
}

func packConnRequest(buf []byte, cr *connRequest) int {
	binary.BigEndian.PutUint32(buf[0:4], cr.ConnID)
	binary.BigEndian.PutUint16(buf[4:6], cr.PayloadLen)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint64(buf[8:16], cr.Seq)
	binary.BigEndian.PutUint32(buf[16:20], cr.EndpointID)
	return connRequestSize
}

func unpackConnRequest(data []byte) (*connRequest, error) {
	if len(data) < connRequestSize {
		return nil, fmt.Errorf("short conn request: %w", ErrMalformed)
	}
	cr := &connRequest{
		ConnID:     binary.BigEndian.Uint32(data[0:4]),
		PayloadLen: binary.BigEndian.Uint16(data[4:6]),
		Seq:        binary.BigEndian.Uint64(data[8:16]),
		EndpointID: binary.BigEndian.Uint32(data[16:20]),
	}
	if int(cr.PayloadLen) != len(data)-connRequestSize {
		return nil, fmt.Errorf("conn request payload length mismatch: %w", ErrMalformed)
	}
	if cr.PayloadLen > types.MaxConnPayload {
		return nil, fmt.Errorf("conn request payload %d over limit: %w", cr.PayloadLen, ErrMalformed)
	}
	return cr, nil
}

// connReply is the CONN_REPLY extension. The status (accepted/rejected)
// rides in the generic header's sub-field.
type connReply struct {
	ConnID     uint32 // responder's connection id, valid when accepted
	EndpointID uint32 // responder's endpoint id
	Seq        uint64 // responder's randomly seeded initial sequence
	Ack        uint64 // acknowledges the request's sequence
}

func packConnReply(buf []byte, cr *connReply) int {
	binary.BigEndian.PutUint32(buf[0:4], cr.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], cr.EndpointID)
	binary.BigEndian.PutUint64(buf[8:16], cr.Seq)
	binary.BigEndian.PutUint64(buf[16:24], cr.Ack)
	return connReplySize
}

func unpackConnReply(data []byte) (*connReply, error) {
	if len(data) < connReplySize {
		return nil, fmt.Errorf("short conn reply: %w", ErrMalformed)
	}
	return &connReply{
		ConnID:     binary.BigEndian.Uint32(data[0:4]),
		EndpointID: binary.BigEndian.Uint32(data[4:8]),
		Seq:        binary.BigEndian.Uint64(data[8:16]),
		Ack:        binary.BigEndian.Uint64(data[16:24]),
	}, nil
}

// rmaHeader is the extension shared by msgRMAWrite and msgRMARead. It
// follows the sequence/acknowledgement block; fragment payload (writes and
// read responses) follows it.
type rmaHeader struct {
	Local      types.RMAHandle // initiator-side handle
	Remote     types.RMAHandle // target-side handle
	LocalOff   uint64
	RemoteOff  uint64
	Length     uint64 // total transfer length
	FragOff    uint64 // offset of this fragment within the transfer
	FragLen    uint32
	OpID       uint32 // correlates fragments, responses, and status
	MsgLen     uint16 // completion message length, request only
	TotalFrags uint16 // fragment count of the transfer, request only
}

func packRMAHeader(buf []byte, rh *rmaHeader) int {
	n := copy(buf, rh.Local[:])
	n += copy(buf[n:], rh.Remote[:])
	binary.BigEndian.PutUint64(buf[n:], rh.LocalOff)
	n += 8
	binary.BigEndian.PutUint64(buf[n:], rh.RemoteOff)
	n += 8
	binary.BigEndian.PutUint64(buf[n:], rh.Length)
	n += 8
	binary.BigEndian.PutUint64(buf[n:], rh.FragOff)
	n += 8
	binary.BigEndian.PutUint32(buf[n:], rh.FragLen)
	n += 4
	binary.BigEndian.PutUint32(buf[n:], rh.OpID)
	n += 4
	binary.BigEndian.PutUint16(buf[n:], rh.MsgLen)
	n += 2
	binary.BigEndian.PutUint16(buf[n:], rh.TotalFrags)
	n += 2
	return n
}

func unpackRMAHeader(data []byte) (*rmaHeader, error) {
	if len(data) < rmaHeaderSize {
		return nil, fmt.Errorf("short rma header: %w", ErrMalformed)
	}
	rh := &rmaHeader{}
	n := copy(rh.Local[:], data)
	n += copy(rh.Remote[:], data[n:])
	rh.LocalOff = binary.BigEndian.Uint64(data[n:])
	n += 8
	rh.RemoteOff = binary.BigEndian.Uint64(data[n:])
	n += 8
	rh.Length = binary.BigEndian.Uint64(data[n:])
	n += 8
	rh.FragOff = binary.BigEndian.Uint64(data[n:])
	n += 8
	rh.FragLen = binary.BigEndian.Uint32(data[n:])
	n += 4
	rh.OpID = binary.BigEndian.Uint32(data[n:])
	n += 4
	rh.MsgLen = binary.BigEndian.Uint16(data[n:])
	n += 2
	rh.TotalFrags = binary.BigEndian.Uint16(data[n:])
	return rh, nil
}

// rmaStatus is the msgRMAStatus extension: the target's verdict on an
// operation it refused.
type rmaStatus struct {
	OpID   uint32
	Status uint32
}

const rmaStatusSize = 8

func packRMAStatus(buf []byte, rs *rmaStatus) int {
	binary.BigEndian.PutUint32(buf[0:4], rs.OpID)
	binary.BigEndian.PutUint32(buf[4:8], rs.Status)
	return rmaStatusSize
}

func unpackRMAStatus(data []byte) (*rmaStatus, error) {
	if len(data) < rmaStatusSize {
		return nil, fmt.Errorf("short rma status: %w", ErrMalformed)
	}
	return &rmaStatus{
		OpID:   binary.BigEndian.Uint32(data[0:4]),
		Status: binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// maxSendSize returns the largest application payload a single msgSend may
// carry for the given wire MTU.
func maxSendSize(mtu int) uint32 {
	return uint32(mtu - ipUDPOverhead - headerSize - seqAckSize)
}

// maxRMAFragment returns the largest RMA fragment payload for the given
// wire MTU.
func maxRMAFragment(mtu int) uint32 {
	return uint32(mtu - ipUDPOverhead - headerSize - seqAckSize - rmaHeaderSize)
}
