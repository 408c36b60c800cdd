// Package metrics exposes counters for the CCI transport runtime as
// prometheus collectors. Counters are registered on the default registry
// once, at package init, and incremented from the transports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsSent counts datagrams handed to the socket, including
	// retransmissions.
	DatagramsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_datagrams_sent_total",
		Help: "Datagrams written to the wire, retransmissions included.",
	})

	// DatagramsReceived counts datagrams read from the socket before any
	// validation.
	DatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_datagrams_received_total",
		Help: "Datagrams read from the wire.",
	})

	// MalformedDrops counts inbound datagrams dropped because they failed
	// header validation. Malformed traffic is never surfaced to the user.
	MalformedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_malformed_drops_total",
		Help: "Inbound datagrams dropped as malformed.",
	})

	// DuplicateDrops counts inbound datagrams dropped as duplicates of
	// already-acknowledged sequences.
	DuplicateDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_duplicate_drops_total",
		Help: "Inbound datagrams dropped as duplicates.",
	})

	// UnroutableDrops counts inbound datagrams addressed to an unknown
	// endpoint or connection id.
	UnroutableDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_unroutable_drops_total",
		Help: "Inbound datagrams dropped for an unknown endpoint or connection.",
	})

	// Retransmits counts reliable sends that were re-emitted after their
	// resend deadline passed.
	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_retransmits_total",
		Help: "Reliable transmissions re-emitted after a resend deadline.",
	})

	// RNRSignals counts receiver-not-ready conditions, either signalled to
	// a peer or received from one.
	RNRSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_rnr_signals_total",
		Help: "Receiver-not-ready conditions signalled or observed.",
	})

	// SendTimeouts counts reliable operations completed with ETIMEDOUT.
	SendTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_send_timeouts_total",
		Help: "Reliable operations that exhausted their send timeout.",
	})

	// Keepalives counts keepalive probes emitted.
	Keepalives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cci_keepalives_total",
		Help: "Keepalive probes emitted on idle reliable connections.",
	})
)
