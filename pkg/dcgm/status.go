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

// Package dcgm holds the status codes, module identifiers and struct
// versioning helpers shared by every layer of the diag engine.
package dcgm

import (
	"errors"
	"fmt"
)

// Status is a host engine return code. Zero is success, every other value is
// an error and Status implements the error interface so that callers can use
// errors.Is against the constants below.
type Status int32

const (
	StatusOK               Status = 0
	StatusBadParameter     Status = -1
	StatusGenericError     Status = -3
	StatusNotSupported     Status = -6
	StatusTimeout          Status = -11
	StatusVersionMismatch  Status = -12
	StatusNoData           Status = -14
	StatusFunctionNotFound Status = -20
	StatusInUse            Status = -33
	StatusPluginFailure    Status = -40
	StatusPaused           Status = -51
)

var statusText = map[Status]string{
	StatusOK:               "success",
	StatusBadParameter:     "bad parameter passed to function",
	StatusGenericError:     "generic unspecified error",
	StatusNotSupported:     "this request is not supported",
	StatusTimeout:          "operation timed out",
	StatusVersionMismatch:  "API version mismatch",
	StatusNoData:           "no data is available",
	StatusFunctionNotFound: "requested function was not found",
	StatusInUse:            "the resource is in use",
	StatusPluginFailure:    "a diagnostic plugin failed",
	StatusPaused:           "the module is paused",
}

func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return text
	}

	return fmt.Sprintf("unknown status %d", int32(s))
}

// String returns the same text as Error so that statuses log readably.
func (s Status) String() string {
	return s.Error()
}

// StatusOf extracts the Status carried by err. A nil error is StatusOK and an
// error that wraps no Status is StatusGenericError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var st Status
	if errors.As(err, &st) {
		return st
	}

	return StatusGenericError
}

// AsError converts a status returned across the plugin boundary into an error,
// mapping StatusOK to nil.
func (s Status) AsError() error {
	if s == StatusOK {
		return nil
	}

	return s
}

var statusNames = map[Status]string{
	StatusOK:               "OK",
	StatusBadParameter:     "BADPARAM",
	StatusGenericError:     "GENERIC_ERROR",
	StatusNotSupported:     "NOT_SUPPORTED",
	StatusTimeout:          "TIMEOUT",
	StatusVersionMismatch:  "VER_MISMATCH",
	StatusNoData:           "NO_DATA",
	StatusFunctionNotFound: "FUNCTION_NOT_FOUND",
	StatusInUse:            "IN_USE",
	StatusPluginFailure:    "PLUGIN_FAILURE",
	StatusPaused:           "PAUSED",
}

// Name returns a short constant name, suitable as a metric label.
func (s Status) Name() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("STATUS_%d", int32(s))
}
