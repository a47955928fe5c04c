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

// Package notifier reports runs that found fatal conditions to a fleet
// endpoint as CloudEvents carrying a health event.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/auditlogger"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/metrics"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

const (
	EventType      = "com.nvidia.nvsentinel.diag.v1"
	agentName      = "diag-engine"
	componentClass = "GPU"
	checkName      = "GpuDiagnostic"
)

type Config struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	Cluster     string `toml:"cluster"`
	Environment string `toml:"environment"`
	NodeName    string `toml:"-"`
	RetryMax    int    `toml:"retry_max" validate:"min=0"`
	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration `toml:"retry_wait_min"`
	RetryWaitMax time.Duration `toml:"retry_wait_max"`
}

type Entity struct {
	EntityType  string `json:"entityType"`
	EntityValue string `json:"entityValue"`
}

type HealthEvent struct {
	Version            int      `json:"version"`
	Agent              string   `json:"agent"`
	ComponentClass     string   `json:"componentClass"`
	CheckName          string   `json:"checkName"`
	IsFatal            bool     `json:"isFatal"`
	IsHealthy          bool     `json:"isHealthy"`
	Message            string   `json:"message"`
	ErrorCode          []string `json:"errorCode"`
	EntitiesImpacted   []Entity `json:"entitiesImpacted"`
	NodeName           string   `json:"nodeName"`
	RunID              string   `json:"runId"`
	GeneratedTimestamp string   `json:"generatedTimestamp"`
}

type Metadata struct {
	Cluster     string `json:"cluster"`
	Environment string `json:"environment"`
}

type EventData struct {
	Metadata    Metadata    `json:"metadata"`
	HealthEvent HealthEvent `json:"healthEvent"`
}

type CloudEvent struct {
	SpecVersion string    `json:"specversion"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	ID          string    `json:"id"`
	Time        string    `json:"time"`
	Data        EventData `json:"data"`
}

type Notifier struct {
	cfg    Config
	client *retryablehttp.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	client := retryablehttp.NewClient()
	client.Logger = logger
	client.HTTPClient.Timeout = 30 * time.Second
	client.HTTPClient.Transport = auditlogger.NewAuditingRoundTripper(client.HTTPClient.Transport, logger)

	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}

	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}

	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}

	return &Notifier{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// ShouldNotify reports whether resp describes a run worth reporting: one that
// escalated or failed a GPU.
func ShouldNotify(resp *aggregator.Response) bool {
	return resp.Escalated || resp.Failed()
}

// Notify sends resp when reporting is enabled and the run warrants it.
// Delivery failures are logged and counted; they never affect the run.
func (n *Notifier) Notify(ctx context.Context, resp *aggregator.Response) {
	if !n.cfg.Enabled || n.cfg.Endpoint == "" || !ShouldNotify(resp) {
		return
	}

	if err := n.send(ctx, n.Event(resp)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		n.logger.Error("Failed to send diagnostic event", "run_id", resp.RunID, "error", err)

		return
	}

	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	n.logger.Info("Sent diagnostic event", "run_id", resp.RunID, "endpoint", n.cfg.Endpoint)
}

// Event converts resp into the CloudEvent sent for it.
func (n *Notifier) Event(resp *aggregator.Response) *CloudEvent {
	now := n.now()

	var (
		codes    []string
		messages []string
		entities []Entity
	)

	addError := func(d aggregator.ErrorDetail) {
		if d.CodeName != "" && !slices.Contains(codes, d.CodeName) {
			codes = append(codes, d.CodeName)
		}

		messages = append(messages, d.Message)
	}

	for _, t := range resp.Tests {
		for _, d := range t.Errors {
			addError(d)
		}
	}

	for _, d := range resp.Errors {
		addError(d)
	}

	for _, g := range resp.GPUs {
		if g.Result == pluginabi.ResultFail {
			entities = append(entities, Entity{EntityType: componentClass, EntityValue: strconv.FormatUint(uint64(g.GpuID), 10)})
		}
	}

	message := strings.Join(messages, "; ")
	if resp.Escalated {
		message = "escalation raised: " + resp.EscalationReason + "; " + message
	}

	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        EventType,
		Source:      fmt.Sprintf("nvsentinel/%s", n.cfg.Cluster),
		ID:          uuid.New().String(),
		Time:        now.Format(time.RFC3339Nano),
		Data: EventData{
			Metadata: Metadata{Cluster: n.cfg.Cluster, Environment: n.cfg.Environment},
			HealthEvent: HealthEvent{
				Version:            1,
				Agent:              agentName,
				ComponentClass:     componentClass,
				CheckName:          checkName,
				IsFatal:            resp.Escalated,
				IsHealthy:          false,
				Message:            strings.TrimSuffix(message, "; "),
				ErrorCode:          codes,
				EntitiesImpacted:   entities,
				NodeName:           n.cfg.NodeName,
				RunID:              resp.RunID,
				GeneratedTimestamp: now.Format(time.RFC3339Nano),
			},
		},
	}
}

func (n *Notifier) send(ctx context.Context, event *CloudEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}

	req.Header.Set("Content-Type", "application/cloudevents+json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
