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

// Package fieldvalue is the telemetry query surface used by diagnostic
// checks: the latest value of one field on one GPU, read either live from the
// driver or from the cache.
package fieldvalue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldID identifies a telemetry field.
type FieldID uint16

const (
	FieldInforomConfigValid    FieldID = 85
	FieldGraphicsPids          FieldID = 121
	FieldEccDbeVolatileTotal   FieldID = 311
	FieldRetiredSbe            FieldID = 390
	FieldRetiredDbe            FieldID = 391
	FieldRetiredPending        FieldID = 392
	FieldUncorrectableRemapped FieldID = 393
	FieldCorrectableRemapped   FieldID = 394
	FieldRowRemapFailure       FieldID = 395
	FieldRowRemapPending       FieldID = 396
)

var fieldNames = map[FieldID]string{
	FieldInforomConfigValid:    "inforom_config_valid",
	FieldGraphicsPids:          "graphics_pids",
	FieldEccDbeVolatileTotal:   "ecc_dbe_volatile_total",
	FieldRetiredSbe:            "retired_pages_sbe",
	FieldRetiredDbe:            "retired_pages_dbe",
	FieldRetiredPending:        "retired_pages_pending",
	FieldUncorrectableRemapped: "uncorrectable_remapped_rows",
	FieldCorrectableRemapped:   "correctable_remapped_rows",
	FieldRowRemapFailure:       "row_remap_failure",
	FieldRowRemapPending:       "row_remap_pending",
}

func (f FieldID) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}

	return fmt.Sprintf("field_%d", uint16(f))
}

// ParseFieldID accepts a field name as printed by String or a decimal id.
func ParseFieldID(s string) (FieldID, error) {
	for id, name := range fieldNames {
		if name == s {
			return id, nil
		}
	}

	n, err := strconv.ParseUint(strings.TrimPrefix(s, "field_"), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("unknown field %q", s)
	}

	return FieldID(n), nil
}

// Flags modify a query.
type Flags uint32

// FlagLiveData asks for an uncached read. Simulated GPUs do not support it.
const FlagLiveData Flags = 0x1

// Int64Blank marks an int64 value that holds no data.
const Int64Blank int64 = 0x7ffffff0

// Value is the result of one query. Status describes the value itself and is
// separate from the error returned by the query.
type Value struct {
	FieldID   FieldID   `json:"fieldId"`
	Status    int32     `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Int64     int64     `json:"int64"`
	Str       string    `json:"str,omitempty"`
}

// IsBlank reports whether the value carries no usable integer.
func (v Value) IsBlank() bool {
	return v.Int64 >= Int64Blank
}

// Source answers field queries.
type Source interface {
	GetCurrentFieldValue(gpuID uint, fieldID FieldID, flags Flags) (Value, error)
}

// LiveReader reads a field straight from the driver.
type LiveReader interface {
	ReadField(gpuID uint, fieldID FieldID) (Value, error)
}
