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

// Package payloadcodec converts CoAP payloads between CBOR and JSON keyed
// off the Content-Format option (spec.md §6), the way the teacher's
// CBORCodec does for its HTTP bridge. This is an ambient convenience for
// handlers that want to accept JSON test fixtures (content-format 50) and
// reply with CBOR (content-format 60); the core endpoint never requires it.
package payloadcodec

import (
	"fmt"
	"io"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/matrix-org/gomatrixserverlib"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec converts a single CBOR object to/from a single JSON object. If
// Canonical is set, JSON output is re-serialized into Matrix Canonical JSON
// and CBOR output uses RFC 7049 §3.9 canonical encoding — useful for
// deterministic test fixtures, not for everyday traffic.
type Codec struct {
	Canonical bool
}

// New returns a Codec; canonical enables deterministic (sorted-key) output
// on both sides, at extra CPU cost.
func New(canonical bool) *Codec {
	return &Codec{Canonical: canonical}
}

// CBORToJSON converts a single CBOR-encoded object into JSON.
func (c *Codec) CBORToJSON(input io.Reader) ([]byte, error) {
	var v interface{}
	if err := cbor.NewDecoder(input).Decode(&v); err != nil {
		return nil, fmt.Errorf("payloadcodec: decoding cbor: %w", err)
	}
	b, err := json.Marshal(normalizeForJSON(v))
	if err != nil {
		return nil, fmt.Errorf("payloadcodec: encoding json: %w", err)
	}
	if c.Canonical {
		return gomatrixserverlib.CanonicalJSON(b)
	}
	return b, nil
}

// JSONToCBOR converts a single JSON object into CBOR.
func (c *Codec) JSONToCBOR(input io.Reader) ([]byte, error) {
	var v interface{}
	if err := json.NewDecoder(input).Decode(&v); err != nil {
		return nil, fmt.Errorf("payloadcodec: decoding json: %w", err)
	}
	if c.Canonical {
		enc, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("payloadcodec: building canonical EncMode: %w", err)
		}
		return enc.Marshal(v)
	}
	return cbor.Marshal(v)
}

// normalizeForJSON converts CBOR's map[interface{}]interface{} maps (which
// encoding/json cannot marshal) into map[string]interface{}.
func normalizeForJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeForJSON(val)
		}
		return out
	case []interface{}:
		for i, el := range t {
			t[i] = normalizeForJSON(el)
		}
		return t
	default:
		return v
	}
}
