// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package pluginabi

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// AuxKind is the decoded form of an AuxDataType.
type AuxKind string

const (
	AuxKindNone   AuxKind = "none"
	AuxKindJSON   AuxKind = "json"
	AuxKindOpaque AuxKind = "opaque"
)

// AuxValue is the host-side variant of AuxData. Exactly one of JSON and
// Opaque is set, according to Kind.
type AuxValue struct {
	Kind   AuxKind         `json:"kind"`
	Type   AuxDataType     `json:"type"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Opaque []byte          `json:"opaque,omitempty"`
}

// DecodeAux copies aux into an AuxValue. Unknown tags pass through as
// opaque bytes. A JSON-tagged payload that does not parse is also kept as
// opaque bytes and reported through the returned error.
func DecodeAux(aux AuxData) (AuxValue, error) {
	switch aux.Type {
	case AuxUninitialized:
		return AuxValue{Kind: AuxKindNone, Type: aux.Type}, nil
	case AuxJSON:
		data := trimNUL(aux.Data)
		if !gjson.ValidBytes(data) {
			return AuxValue{Kind: AuxKindOpaque, Type: aux.Type, Opaque: clone(aux.Data)},
				fmt.Errorf("aux data tagged as JSON is not valid JSON (%d bytes)", len(aux.Data))
		}

		return AuxValue{Kind: AuxKindJSON, Type: aux.Type, JSON: clone(data)}, nil
	default:
		return AuxValue{Kind: AuxKindOpaque, Type: aux.Type, Opaque: clone(aux.Data)}, nil
	}
}

// Get looks up a gjson path in a JSON aux value.
func (v AuxValue) Get(path string) gjson.Result {
	if v.Kind != AuxKindJSON {
		return gjson.Result{}
	}

	return gjson.GetBytes(v.JSON, path)
}

// trimNUL drops a trailing C terminator some plugins include in the size.
func trimNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}

	return b
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}

// NewJSONAux builds a JSON-tagged AuxData from v.
func NewJSONAux(v any) (AuxData, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return AuxData{}, fmt.Errorf("marshal aux data: %w", err)
	}

	return AuxData{Version: AuxDataVersion, Type: AuxJSON, Data: data}, nil
}
