// Package cci is a Go implementation of the Common Communications
// Interface (CCI): a transport-agnostic messaging substrate exposing
// connection-oriented, reliability-selectable datagram and one-sided
// remote-memory-access (RMA) primitives over commodity networks.
//
// # Overview
//
// CCI applications own endpoints: bound communication contexts holding
// buffers, a connection table, and an event queue. Connections between
// endpoints are typed by a reliability attribute (reliable ordered,
// reliable unordered, unreliable), and all completions (sends, receives,
// connection handshakes, failures) surface through the endpoint's event
// queue.
//
// The reference carrier is the UDP transport in transport/sock, which
// implements connection establishment, sequencing, acknowledgement,
// retransmission, and RMA over plain datagrams. Alternative carriers plug
// in behind the contract in the transport package.
//
// # Organization
//
//   - github.com/unifabric/cci: process lifecycle (Init, Finalize,
//     GetDevices, CreateEndpoint) and re-exported core types
//   - github.com/unifabric/cci/types: statuses, events, endpoint and
//     connection interfaces
//   - github.com/unifabric/cci/transport: the transport contract and
//     registry
//   - github.com/unifabric/cci/transport/sock: the datagram/UDP transport
//   - github.com/unifabric/cci/config: INI-style device configuration
//
// # Basic usage
//
//	caps, err := cci.Init(cci.ABIVersion, 0)
//	if err != nil {
//		log.Fatalf("cci init: %v", err)
//	}
//	defer cci.Finalize()
//
//	ep, err := cci.CreateEndpoint(nil)
//	if err != nil {
//		log.Fatalf("endpoint: %v", err)
//	}
//	defer ep.Close()
//
//	err = ep.Connect("ip://10.0.0.12:5555", []byte("hello"),
//		cci.ConnRO, myCtx, 0)
//
//	for {
//		ev, err := ep.GetEvent()
//		if err != nil {
//			continue
//		}
//		switch ev := ev.(type) {
//		case *cci.RecvEvent:
//			process(ev.Data)
//		case *cci.SendEvent:
//			// ev.Context identifies the completed operation
//		}
//		ep.ReturnEvent(ev)
//	}
package cci

// Version is the current version of the cci library.
const Version = "0.1.0"
