// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package udp adapts a plain UDP net.PacketConn to the coap.Sink/coap.Source
// interfaces, attaching the peer address as Metadata on every datagram.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/matrix-org/coapcore/coap"
	"github.com/matrix-org/coapcore/message"
	"golang.org/x/net/ipv4"
)

// Logger is the minimal logging interface the transport uses for read-loop
// errors; coap.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Transport reads and writes CoAP datagrams over a UDP net.PacketConn. A
// single Transport pairs with exactly one coap.Endpoint: the endpoint calls
// AttachSource/AttachSink on it, and Transport's own Serve loop pumps
// inbound datagrams to whatever Sink was registered.
type Transport struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	logger Logger

	mu       sync.Mutex
	sink     coap.Sink
	onCanPut func()
}

// New wraps conn. The ipv4.PacketConn is used to read and set the local
// interface a datagram arrived on/should be sent from (IfIndex), which the
// server needs to reply from the same interface on multi-homed hosts.
// SetControlMessage failing (e.g. on a non-IPv4 socket) is not fatal: reads
// simply come back without a control message and writes fall back to a
// plain WriteTo.
func New(conn *net.UDPConn, logger Logger) *Transport {
	pconn := ipv4.NewPacketConn(conn)
	_ = pconn.SetControlMessage(ipv4.FlagInterface, true)
	return &Transport{
		conn:   conn,
		pconn:  pconn,
		logger: logger,
	}
}

// controlMetadata carries the interface a datagram arrived on, attached to
// Metadata.Opaque so a reply can be sent from the same interface.
type controlMetadata struct {
	ifIndex int
}

// SetSink implements coap.Source.
func (t *Transport) SetSink(sink coap.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// SetListener implements coap.Sink; UDP writes never block in the way a
// congested stream transport would, so the listener is invoked immediately
// the first time it is set, and never again.
func (t *Transport) SetListener(onCanPut func()) {
	t.mu.Lock()
	t.onCanPut = onCanPut
	t.mu.Unlock()
	if onCanPut != nil {
		onCanPut()
	}
}

// Put implements coap.Sink by writing buf to meta.DestinationAddress, or,
// when that is unset, to meta.SourceAddress (the origin of the inbound
// datagram a response answers). A controlMetadata in meta.Opaque selects
// the outgoing interface.
func (t *Transport) Put(buf []byte, meta *coap.Metadata) error {
	addr := destinationFor(meta)
	if addr == nil {
		return fmt.Errorf("udp: no destination address in metadata")
	}
	var cm *ipv4.ControlMessage
	if meta != nil {
		if cmd, ok := meta.Opaque.(controlMetadata); ok && cmd.ifIndex != 0 {
			cm = &ipv4.ControlMessage{IfIndex: cmd.ifIndex}
		}
	}
	_, err := t.pconn.WriteTo(buf, cm, addr)
	return err
}

func destinationFor(meta *coap.Metadata) net.Addr {
	if meta == nil {
		return nil
	}
	if meta.DestinationAddress != nil {
		return meta.DestinationAddress
	}
	return meta.SourceAddress
}

// Serve reads datagrams from the wrapped connection until it is closed or
// ctx-like cancellation happens via Close, pushing each one to the
// registered Sink with SourceAddress set to the packet's origin.
func (t *Transport) Serve() error {
	buf := make([]byte, message.MaxDatagram)
	for {
		n, cm, src, err := t.pconn.ReadFrom(buf)
		if err != nil {
			return err
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink == nil {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		meta := &coap.Metadata{SourceAddress: addrFromPacketConn(src, t.conn)}
		if cm != nil {
			meta.Opaque = controlMetadata{ifIndex: cm.IfIndex}
		}
		if err := sink.Put(datagram, meta); err != nil && t.logger != nil {
			t.logger.Printf("udp: sink rejected inbound datagram from %v: %v", meta.SourceAddress, err)
		}
	}
}

func addrFromPacketConn(src net.Addr, conn *net.UDPConn) net.Addr {
	if src != nil {
		return src
	}
	return conn.LocalAddr()
}

// Close shuts down the underlying connection, unblocking Serve.
func (t *Transport) Close() error {
	return t.conn.Close()
}
