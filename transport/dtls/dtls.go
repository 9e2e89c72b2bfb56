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

// Package dtls adapts an already-established pion/dtls connection to the
// coap.Sink/coap.Source interfaces. It performs no handshake or key
// exchange of its own: that is entirely pion/dtls's responsibility,
// consistent with spec.md's Non-goal of DTLS key exchange living outside
// the CoAP core.
package dtls

import (
	"fmt"
	"net"
	"sync"

	"github.com/matrix-org/coapcore/coap"
	"github.com/matrix-org/coapcore/message"
	piondtls "github.com/pion/dtls/v2"
)

// Logger is the minimal logging interface the transport uses; coap.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Transport wraps one established *piondtls.Conn as a Sink/Source pair. A
// DTLS association is a single secured stream-of-datagrams to one peer, so
// unlike transport/udp no destination address is needed on writes.
type Transport struct {
	conn   *piondtls.Conn
	logger Logger

	mu       sync.Mutex
	sink     coap.Sink
	onCanPut func()
}

// New wraps an already-handshaked DTLS connection.
func New(conn *piondtls.Conn, logger Logger) *Transport {
	return &Transport{conn: conn, logger: logger}
}

// SetSink implements coap.Source.
func (t *Transport) SetSink(sink coap.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// SetListener implements coap.Sink. Writes to an established DTLS
// connection block the caller's goroutine rather than returning
// ErrWouldBlock, so the listener fires once and is never invoked again.
func (t *Transport) SetListener(onCanPut func()) {
	t.mu.Lock()
	t.onCanPut = onCanPut
	t.mu.Unlock()
	if onCanPut != nil {
		onCanPut()
	}
}

// Put implements coap.Sink; meta is ignored since the DTLS association
// already identifies the single peer at the other end.
func (t *Transport) Put(buf []byte, meta *coap.Metadata) error {
	_, err := t.conn.Write(buf)
	return err
}

// Serve reads datagrams from the DTLS connection until it errors or is
// closed, pushing each to the registered Sink.
func (t *Transport) Serve() error {
	buf := make([]byte, message.MaxDatagram)
	peer := t.conn.RemoteAddr()
	for {
		n, err := t.conn.Read(buf)
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
		meta := &coap.Metadata{SourceAddress: peer}
		if err := sink.Put(datagram, meta); err != nil && t.logger != nil {
			t.logger.Printf("dtls: sink rejected inbound datagram from %v: %v", peer, err)
		}
	}
}

// Close shuts down the DTLS connection, unblocking Serve.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Dial establishes a client DTLS connection to addr and wraps it.
func Dial(network string, addr *net.UDPAddr, cfg *piondtls.Config, logger Logger) (*Transport, error) {
	conn, err := piondtls.Dial(network, addr, cfg)
	if err != nil {
		return nil, err
	}
	return New(conn, logger), nil
}

// Listener accepts incoming DTLS associations, each wrapped as a Transport.
type Listener struct {
	inner net.Listener
}

// Listen starts a DTLS listener on addr.
func Listen(network string, addr *net.UDPAddr, cfg *piondtls.Config) (*Listener, error) {
	l, err := piondtls.Listen(network, addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: l}, nil
}

// Accept blocks until a new DTLS association completes its handshake, then
// returns it wrapped as a Transport.
func (l *Listener) Accept(logger Logger) (*Transport, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	dconn, ok := conn.(*piondtls.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dtls: accepted connection is not a *dtls.Conn")
	}
	return New(dconn, logger), nil
}

// Close shuts down the listener.
func (l *Listener) Close() error { return l.inner.Close() }
