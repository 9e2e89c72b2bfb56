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

// Command coap-server runs a small test service exposing "test/mirror"
// (echoes the request payload back) and "test/shelf" (stores a payload on
// PUT, returns it on GET), modeled on the reference implementation's CoAP
// test service.
package main

import (
	"flag"
	"net"
	"sync"

	"github.com/matrix-org/coapcore/coap"
	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/transport/udp"
	"github.com/sirupsen/logrus"
)

var flagListen = flag.String("listen", ":5683", "UDP address to listen on")

type logAdapter struct{}

func (logAdapter) Printf(format string, v ...interface{}) { logrus.Infof(format, v...) }

// mirrorHandler echoes the request's payload back with 2.05 Content,
// grounded on GG_CoapTestService_MirrorRequestHandler_OnRequest.
type mirrorHandler struct{}

func (mirrorHandler) HandleRequest(ctx *coap.RequestContext) coap.Outcome {
	return coap.RespondWith(message.Message{
		Code:    message.Content,
		Payload: ctx.Request.Payload,
	})
}

// shelfHandler stores one payload (PUT) and serves it back (GET), grounded
// on GG_CoapTestService's "shelf" resource.
type shelfHandler struct {
	mu      sync.Mutex
	stored  []byte
	present bool
}

func (s *shelfHandler) HandleRequest(ctx *coap.RequestContext) coap.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctx.Request.Code {
	case message.PUT:
		s.stored = append([]byte(nil), ctx.Request.Payload...)
		s.present = true
		return coap.RespondCode(message.Changed)
	case message.GET:
		if !s.present {
			return coap.RespondCode(message.NotFound)
		}
		return coap.RespondWith(message.Message{Code: message.Content, Payload: s.stored})
	case message.DELETE:
		s.present = false
		s.stored = nil
		return coap.RespondCode(message.Deleted)
	default:
		return coap.RespondCode(message.MethodNotAllowed)
	}
}

func main() {
	flag.Parse()

	laddr, err := net.ResolveUDPAddr("udp", *flagListen)
	if err != nil {
		logrus.WithError(err).Fatal("failed to resolve listen address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to listen")
	}

	transport := udp.New(conn, logAdapter{})
	ep := coap.New(coap.DefaultConfig(), coap.NewTimeScheduler(), coap.NewCryptoRandomSource(), logAdapter{})
	ep.AttachSink(transport)
	ep.AttachSource(transport)

	ep.RegisterHandler("test/mirror", coap.FlagGET|coap.FlagPOST|coap.FlagPUT|coap.FlagDELETE, mirrorHandler{})
	ep.RegisterHandler("test/shelf", coap.FlagGET|coap.FlagPUT|coap.FlagDELETE, &shelfHandler{})

	logrus.Infof("coap-server listening on %s", *flagListen)
	if err := transport.Serve(); err != nil {
		logrus.WithError(err).Fatal("transport.Serve failed")
	}
}
