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

// Package xerror carries the error taxonomy shared across the endpoint,
// blockwise and message packages (spec.md §6 "Error numeric base", §7), and
// the extended-error (vendor option 2049) wire codec.
package xerror

import "errors"

// CoAP-specific sentinels, carved from the BASE_COAP sub-code space
// (spec.md §6).
var (
	ErrUnsupportedVersion = errors.New("coap: unsupported version")
	ErrReset              = errors.New("coap: peer sent RST")
	ErrUnexpectedMessage  = errors.New("coap: unexpected message for this exchange")
	ErrSendFailure        = errors.New("coap: transport send failed")
	ErrUnexpectedBlock    = errors.New("coap: blockwise offset did not match the expected offset")
	ErrInvalidResponse    = errors.New("coap: malformed or out-of-protocol response")
	ErrEtagMismatch       = errors.New("coap: blockwise ETag changed mid-session")
)

// Generic sentinels, shared with the surrounding runtime per spec.md §6.
var (
	ErrInvalidParameters = errors.New("coap: invalid parameters")
	ErrOutOfMemory       = errors.New("coap: out of memory")
	ErrTimeout           = errors.New("coap: timed out")
	ErrWouldBlock        = errors.New("coap: would block")
	ErrInvalidState      = errors.New("coap: invalid state")
	ErrNoSuchItem        = errors.New("coap: no such item")
	ErrOutOfRange        = errors.New("coap: out of range")
	ErrNotEnoughSpace    = errors.New("coap: not enough space")
	ErrInvalidSyntax     = errors.New("coap: invalid syntax")
	ErrInvalidFormat     = errors.New("coap: invalid format")
	ErrNotSupported      = errors.New("coap: not supported")
	ErrInternal          = errors.New("coap: internal error")
)
