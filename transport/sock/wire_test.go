package sock

import (
	"testing"

	"github.com/unifabric/cci/types"
)

func TestHeaderEncoding(t *testing.T) {
	h := &header{
		Type:       msgSend,
		Sub:        3,
		Length:     77,
		EndpointID: 0xAABBCCDD,
		ConnID:     42,
	}

	full := make([]byte, 77)
	n := packHeader(full, h)
	if n != headerSize {
		t.Fatalf("expected packed header size %d, got %d", headerSize, n)
	}

	decoded, err := unpackHeader(full)
	if err != nil {
		t.Fatalf("failed to decode header: %v", err)
	}

	if decoded.Type != msgSend {
		t.Errorf("type mismatch: expected %v, got %v", msgSend, decoded.Type)
	}
	if decoded.Sub != 3 {
		t.Errorf("sub mismatch: expected 3, got %d", decoded.Sub)
	}
	if decoded.Length != 77 {
		t.Errorf("length mismatch: expected 77, got %d", decoded.Length)
	}
	if decoded.EndpointID != 0xAABBCCDD {
		t.Errorf("endpoint id mismatch: got %#x", decoded.EndpointID)
	}
	if decoded.ConnID != 42 {
		t.Errorf("conn id mismatch: got %d", decoded.ConnID)
	}
}

func TestHeaderRejectsMalformed(t *testing.T) {
	// Too short for the generic header.
	if _, err := unpackHeader(make([]byte, headerSize-1)); err == nil {
		t.Error("expected error for short datagram, got nil")
	}

	// Unknown type.
	buf := make([]byte, headerSize)
	buf[0] = 0xFF
	packLength(buf, headerSize)
	if _, err := unpackHeader(buf); err == nil {
		t.Error("expected error for unknown type, got nil")
	}

	// Length field lying about the datagram size.
	buf[0] = byte(msgSend)
	packLength(buf, headerSize+5)
	if _, err := unpackHeader(buf); err == nil {
		t.Error("expected error for length mismatch, got nil")
	}
}

func TestSeqAckEncoding(t *testing.T) {
	sa := &seqAck{Seq: 0x0123456789ABCDEF, Ack: 0xFEDCBA9876543210}

	buf := make([]byte, seqAckSize)
	if n := packSeqAck(buf, sa); n != seqAckSize {
		t.Fatalf("expected %d bytes, got %d", seqAckSize, n)
	}

	decoded, err := unpackSeqAck(buf)
	if err != nil {
		t.Fatalf("failed to decode seq/ack: %v", err)
	}
	if decoded.Seq != sa.Seq || decoded.Ack != sa.Ack {
		t.Errorf("roundtrip mismatch: got %+v", decoded)
	}

	if _, err := unpackSeqAck(buf[:seqAckSize-1]); err == nil {
		t.Error("expected error for short seq/ack block, got nil")
	}
}

func TestConnRequestEncoding(t *testing.T) {
	payload := []byte("handshake payload")
	cr := &connRequest{
		ConnID:     99,
		PayloadLen: uint16(len(payload)),
		Seq:        0x7777000011112222,
		EndpointID: 12,
	}

	buf := make([]byte, 256)
	n := packConnRequest(buf, cr)
	if n != connRequestSize {
		t.Fatalf("expected %d bytes, got %d", connRequestSize, n)
	}
	n += copy(buf[n:], payload)

	decoded, err := unpackConnRequest(buf[:n])
	if err != nil {
		t.Fatalf("failed to decode conn request: %v", err)
	}
	if decoded.ConnID != 99 || decoded.Seq != cr.Seq || decoded.EndpointID != 12 {
		t.Errorf("roundtrip mismatch: got %+v", decoded)
	}
	if decoded.PayloadLen != uint16(len(payload)) {
		t.Errorf("payload length mismatch: got %d", decoded.PayloadLen)
	}

	// Payload length field disagreeing with the datagram.
	if _, err := unpackConnRequest(buf[:n-1]); err == nil {
		t.Error("expected error for payload length mismatch, got nil")
	}
}

func TestConnReplyEncoding(t *testing.T) {
	cr := &connReply{
		ConnID:     7,
		EndpointID: 3,
		Seq:        1 << 40,
		Ack:        1 << 30,
	}

	buf := make([]byte, connReplySize)
	packConnReply(buf, cr)

	decoded, err := unpackConnReply(buf)
	if err != nil {
		t.Fatalf("failed to decode conn reply: %v", err)
	}
	if *decoded != *cr {
		t.Errorf("roundtrip mismatch: expected %+v, got %+v", cr, decoded)
	}
}

func TestRMAHeaderEncoding(t *testing.T) {
	var local, remote types.RMAHandle
	for i := range local {
		local[i] = byte(i)
		remote[i] = byte(255 - i)
	}

	rh := &rmaHeader{
		Local:      local,
		Remote:     remote,
		LocalOff:   4096,
		RemoteOff:  8192,
		Length:     1 << 20,
		FragOff:    1372,
		FragLen:    1372,
		OpID:       5,
		MsgLen:     16,
		TotalFrags: 765,
	}

	buf := make([]byte, rmaHeaderSize)
	if n := packRMAHeader(buf, rh); n != rmaHeaderSize {
		t.Fatalf("expected %d bytes, got %d", rmaHeaderSize, n)
	}

	decoded, err := unpackRMAHeader(buf)
	if err != nil {
		t.Fatalf("failed to decode rma header: %v", err)
	}
	if *decoded != *rh {
		t.Errorf("roundtrip mismatch: expected %+v, got %+v", rh, decoded)
	}

	if _, err := unpackRMAHeader(buf[:rmaHeaderSize-1]); err == nil {
		t.Error("expected error for short rma header, got nil")
	}
}

func TestRMAStatusEncoding(t *testing.T) {
	rs := &rmaStatus{OpID: 9, Status: uint32(types.ErrRMAHandle)}

	buf := make([]byte, rmaStatusSize)
	packRMAStatus(buf, rs)

	decoded, err := unpackRMAStatus(buf)
	if err != nil {
		t.Fatalf("failed to decode rma status: %v", err)
	}
	if *decoded != *rs {
		t.Errorf("roundtrip mismatch: got %+v", decoded)
	}
}

func TestPayloadBudgets(t *testing.T) {
	if maxSendSize(DefaultMTU) <= 0 {
		t.Fatal("max send size must be positive for the default MTU")
	}
	if maxRMAFragment(DefaultMTU) <= 0 {
		t.Fatal("max rma fragment must be positive for the default MTU")
	}
	if maxRMAFragment(DefaultMTU) >= maxSendSize(DefaultMTU) {
		t.Error("rma fragments carry more framing than plain sends")
	}
}
