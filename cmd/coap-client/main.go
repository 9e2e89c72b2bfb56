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

// Command coap-client sends one CoAP request to a server and prints its
// response, the CoAP analogue of the proxy's old HTTP-bridged "coap" tool.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/matrix-org/coapcore/coap"
	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/path"
	"github.com/matrix-org/coapcore/transport/udp"
	"github.com/sirupsen/logrus"
)

var (
	flagMethod  = flag.String("X", "GET", "CoAP method: GET, POST, PUT or DELETE")
	flagData    = flag.String("d", "", "Request payload. Prefix with @ for a file, or - for stdin.")
	flagConfirm = flag.Bool("con", true, "Send as Confirmable (retransmitted until ACKed)")
	flagTimeout = flag.Duration("timeout", 10*time.Second, "How long to wait for a response")
)

type logAdapter struct{}

func (logAdapter) Printf(format string, v ...interface{}) { logrus.Infof(format, v...) }

func methodCode(s string) (message.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return message.GET, nil
	case "POST":
		return message.POST, nil
	case "PUT":
		return message.PUT, nil
	case "DELETE":
		return message.DELETE, nil
	default:
		return 0, fmt.Errorf("unknown method %q", s)
	}
}

func readPayload(flagData string) ([]byte, error) {
	var r io.Reader
	switch {
	case flagData == "":
		return nil, nil
	case flagData == "-":
		r = os.Stdin
	case strings.HasPrefix(flagData, "@"):
		f, err := os.Open(flagData[1:])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	default:
		r = bytes.NewBufferString(flagData)
	}
	return io.ReadAll(r)
}

type syncListener struct {
	done chan struct{}
	resp message.Message
	err  error
}

func (l *syncListener) OnAck() {}
func (l *syncListener) OnResponse(m message.Message) {
	l.resp = m
	close(l.done)
}
func (l *syncListener) OnError(err error) {
	l.err = err
	close(l.done)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: coap-client [flags] coap://host:port/path\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	target := strings.TrimPrefix(flag.Arg(0), "coap://")
	host, uriPath := target, "/"
	if idx := strings.IndexByte(target, '/'); idx >= 0 {
		host, uriPath = target[:idx], target[idx:]
	}
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, message.DefaultPort)
	}

	code, err := methodCode(*flagMethod)
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}
	payload, err := readPayload(*flagData)
	if err != nil {
		log.Fatalf("FATAL reading payload: %s", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		log.Fatalf("FATAL resolving %q: %s", host, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("FATAL dialing %q: %s", host, err)
	}
	defer conn.Close()

	transport := udp.New(conn, logAdapter{})
	ep := coap.New(coap.DefaultConfig(), coap.NewTimeScheduler(), coap.NewCryptoRandomSource(), logAdapter{})
	ep.AttachSink(transport)
	ep.AttachSource(transport)
	go func() {
		if err := transport.Serve(); err != nil {
			logrus.Debugf("udp transport closed: %s", err)
		}
	}()

	kind := message.NonConfirmable
	if *flagConfirm {
		kind = message.Confirmable
	}
	opts, err := path.Split(uriPath, '/', message.URIPath)
	if err != nil {
		log.Fatalf("FATAL splitting path %q: %s", uriPath, err)
	}
	req := message.Message{Kind: kind, Code: code, Options: opts, Payload: payload}

	listener := &syncListener{done: make(chan struct{})}
	if _, err := ep.SendRequest(req, &coap.Metadata{DestinationAddress: raddr}, listener); err != nil {
		log.Fatalf("FATAL sending request: %s", err)
	}

	select {
	case <-listener.done:
	case <-time.After(*flagTimeout):
		log.Fatalf("FATAL: timed out waiting for a response")
	}
	if listener.err != nil {
		log.Fatalf("FATAL: %s", listener.err)
	}
	fmt.Printf("%s\n", listener.resp.Code)
	os.Stdout.Write(listener.resp.Payload)
	fmt.Println()
}
