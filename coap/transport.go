package coap

import "net"

// Metadata tags a datagram crossing the transport boundary. The two tags
// the core recognizes are SourceAddress (set on inbound datagrams) and
// DestinationAddress (set on outbound ones); anything else a transport
// attaches is opaque and must be forwarded unchanged when the endpoint
// builds a response (spec.md §6).
type Metadata struct {
	SourceAddress      net.Addr
	DestinationAddress net.Addr
	Opaque             interface{}
}

// Sink is the write half of a datagram transport: Put enqueues buf (with
// optional destination metadata) for transmission and may return
// ErrWouldBlock, in which case SetListener's callback fires once the
// transport can accept more data (spec.md §6).
type Sink interface {
	Put(buf []byte, meta *Metadata) error
	SetListener(onCanPut func())
}

// Source is the read half of a datagram transport. Per spec.md §6, data
// flows from a Source to whatever Sink it was given once the platform
// signals availability; the Endpoint itself implements Sink so that
// AttachSource can register it directly.
type Source interface {
	SetSink(sink Sink)
}
