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

// Package auditlogger records outbound write requests. AuditingRoundTripper
// wraps an http.RoundTripper and logs the method, URL, response code and
// latency of every POST, PUT, PATCH and DELETE it carries.
package auditlogger

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/configmanager"
)

// EnvAuditLogRequestBody enables request body logging when set to true.
const EnvAuditLogRequestBody = "AUDIT_LOG_REQUEST_BODY"

type AuditingRoundTripper struct {
	delegate       http.RoundTripper
	logger         *slog.Logger
	logRequestBody bool
}

// NewAuditingRoundTripper wraps delegate, or http.DefaultTransport when it is
// nil. Body logging is read from the environment once, here.
func NewAuditingRoundTripper(delegate http.RoundTripper, logger *slog.Logger) *AuditingRoundTripper {
	if delegate == nil {
		delegate = http.DefaultTransport
	}

	logBody := false

	if err := configmanager.Override(&logBody, EnvAuditLogRequestBody); err != nil {
		logger.Warn("Ignoring invalid audit setting", "variable", EnvAuditLogRequestBody, "error", err)
	}

	return &AuditingRoundTripper{
		delegate:       delegate,
		logger:         logger.With("component", "audit"),
		logRequestBody: logBody,
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *AuditingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isWriteMethod(req.Method) {
		return rt.delegate.RoundTrip(req)
	}

	attrs := []any{"method", req.Method, "url", req.URL.String()}

	if rt.logRequestBody && req.Body != nil {
		bodyBytes, err := io.ReadAll(req.Body)
		// The request goes out with whatever was read, even on a partial read.
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		if err == nil {
			attrs = append(attrs, "body", string(bodyBytes))
		} else {
			rt.logger.Error("Failed to read request body", "method", req.Method, "url", req.URL.String(), "error", err)
		}
	}

	start := time.Now()
	resp, err := rt.delegate.RoundTrip(req)

	responseCode := 0
	if resp != nil {
		responseCode = resp.StatusCode
	}

	attrs = append(attrs, "responseCode", responseCode, "duration", time.Since(start).String())
	if err != nil {
		attrs = append(attrs, "error", err)
	}

	rt.logger.Info("Outbound write request", attrs...)

	return resp, err
}

func isWriteMethod(method string) bool {
	return method == http.MethodPost ||
		method == http.MethodPut ||
		method == http.MethodPatch ||
		method == http.MethodDelete
}
