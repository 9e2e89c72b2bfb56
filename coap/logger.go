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

// Package coap is the CoAP (RFC 7252) endpoint: message-id/token
// allocation, the outstanding-request table, server dispatch, the
// responder and the retransmission state machine described in spec.md §4.
package coap

// Logger is satisfied to receive debug/error logging when things go wrong.
// It is entirely optional; a nil Logger silently drops log lines.
type Logger interface {
	Printf(format string, v ...interface{})
}

func (e *Endpoint) log(format string, v ...interface{}) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, v...)
}
