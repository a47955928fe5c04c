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

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/transport"
)

func defaultRunOptions(t *testing.T, args ...string) runOptions {
	t.Helper()

	var opts runOptions

	fs := newFlagSet("run")
	opts.bind(fs)
	require.NoError(t, fs.Parse(args))

	return opts
}

func decode(t *testing.T, cmd router.ModuleCommand) *rundiag.Message {
	t.Helper()

	msg, err := rundiag.NewMigrator().Migrate(cmd.Payload, cmd.Version, cmd.Version)
	require.NoError(t, err)

	return msg
}

func TestRunRequestEncodesFlags(t *testing.T) {
	opts := defaultRunOptions(t,
		"-r", "software,thermal",
		"-p", "software.fail_early=true;thermal.level=2",
		"-p", "software.do_test=inforom",
		"-g", "0,2-3",
		"--stats-path", "/tmp/stats",
		"--timeout", "30",
		"--iterations", "2",
		"--fail-early", "--stats-on-fail",
		"--reset",
	)

	req, err := opts.request()
	require.NoError(t, err)

	cmd, err := runCommandFor(req, opts.action(), opts.revision, 1)
	require.NoError(t, err)
	assert.Equal(t, dcgm.ModuleDiag, cmd.ModuleID)
	assert.Equal(t, dcgm.DiagRun, cmd.SubCommand)
	assert.Equal(t, rundiag.RunVersion, cmd.Version)

	msg := decode(t, cmd)
	assert.Equal(t, uint32(9), msg.Revision)
	assert.Equal(t, rundiag.ActionGpuReset, msg.Action)
	assert.Equal(t, []string{"software", "thermal"}, msg.Request.TestNameList())
	assert.Equal(t, "/tmp/stats", msg.Request.StatsPathName())
	assert.Equal(t, uint32(30), msg.Request.TimeoutSeconds)
	assert.Equal(t, uint32(1), msg.Request.CurrentIteration)
	assert.Equal(t, uint32(2), msg.Request.TotalIterations)
	assert.True(t, msg.Request.Flags.Has(rundiag.FlagFailEarly))
	assert.True(t, msg.Request.Flags.Has(rundiag.FlagStatsOnFail))
	assert.False(t, msg.Request.Flags.Has(rundiag.FlagVerbose))

	ids, err := msg.Request.GpuIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 2, 3}, ids)

	params, err := msg.Request.Parameters()
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, rundiag.TestParameter{Test: "thermal", Name: "level", Value: "2"}, params[1])
}

func TestRunRequestLevelAndOldRevision(t *testing.T) {
	opts := defaultRunOptions(t, "-r", "3", "--revision", "5", "--fake-gpus", "0", "--iterations", "4")

	req, err := opts.request()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), req.Validate)
	assert.Empty(t, req.TestNameList())

	cmd, err := runCommandFor(req, opts.action(), opts.revision, 0)
	require.NoError(t, err)

	version5, ok := rundiag.VersionOf(5)
	require.True(t, ok)
	assert.Equal(t, version5, cmd.Version)

	msg := decode(t, cmd)
	assert.Equal(t, uint32(3), msg.Request.Validate)
	assert.Equal(t, rundiag.ActionNone, msg.Action)
	// Revision 5 predates simulated GPUs and iteration counters.
	assert.False(t, msg.Request.UsingFakeGpus())
	assert.Zero(t, msg.Request.TotalIterations)
}

func TestRunRequestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.yaml")
	contents := "version: 1\nspec: dcgm-diagnostic-config\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	opts := defaultRunOptions(t, "-c", path)

	req, err := opts.request()
	require.NoError(t, err)
	assert.Equal(t, contents, req.ConfigFile())
	assert.Equal(t, []string{"quick"}, req.TestNameList())

	big := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(big, bytes.Repeat([]byte("a"), rundiag.ConfigFileLen), 0o600))

	opts = defaultRunOptions(t, "-c", big)
	_, err = opts.request()
	assert.ErrorIs(t, err, errUsage)
}

func TestRunRequestRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown revision", args: []string{"--revision", "4"}},
		{name: "bad gpu list", args: []string{"-g", "0,x"}},
		{name: "bad fake gpu range", args: []string{"--fake-gpus", "3-1"}},
		{name: "parameter without value", args: []string{"-p", "software.fail_early"}},
		{name: "parameter without test", args: []string{"-p", "fail_early=true"}},
		{name: "zero iterations", args: []string{"--iterations", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultRunOptions(t, tt.args...)
			_, err := opts.request()
			assert.ErrorIs(t, err, errUsage)
		})
	}
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, uint32(1), levelOf([]string{"1"}))
	assert.Equal(t, uint32(4), levelOf([]string{"4"}))
	assert.Zero(t, levelOf([]string{"5"}))
	assert.Zero(t, levelOf([]string{"long"}))
	assert.Zero(t, levelOf([]string{"1", "2"}))
}

type recorder struct {
	mu       sync.Mutex
	cmds     []router.ModuleCommand
	injected []fieldvalue.Value
}

func (r *recorder) ProcessMessage(_ context.Context, cmd *router.ModuleCommand) (*aggregator.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cmds = append(r.cmds, *cmd)

	if cmd.ModuleID == dcgm.ModuleDiag && cmd.SubCommand == dcgm.DiagRun {
		return &aggregator.Response{RunID: "run-1", Overall: pluginabi.ResultPass}, nil
	}

	return nil, nil
}

func (r *recorder) last() router.ModuleCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cmds[len(r.cmds)-1]
}

func startEngine(t *testing.T) (*recorder, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dctl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "engine.sock")
	rec := &recorder{}

	srv := transport.NewServer(socket, slog.New(slog.NewTextHandler(io.Discard, nil)))
	transport.RegisterDiagActions(srv, rec,
		func(gpuID uint, v fieldvalue.Value) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()

			if gpuID != 7 {
				return dcgm.StatusBadParameter
			}

			rec.injected = append(rec.injected, v)

			return nil
		},
		func() transport.StatusReport {
			return transport.StatusReport{Paused: true, Escalation: "CLEAR"}
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	return rec, socket
}

func diagctl(t *testing.T, socket string, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	code := execute(context.Background(), append([]string{"--socket", socket}, args...), &stdout, &stderr)

	return code, strings.TrimSpace(stdout.String()), stderr.String()
}

func TestExecuteCommands(t *testing.T) {
	rec, socket := startEngine(t)

	code, _, stderr := diagctl(t, socket, "pause")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, dcgm.CorePauseResume, rec.last().SubCommand)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(rec.last().Payload))

	code, _, _ = diagctl(t, socket, "resume")
	require.Equal(t, 0, code)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(rec.last().Payload))

	code, _, _ = diagctl(t, socket, "log-level", "debug")
	require.Equal(t, 0, code)
	assert.Equal(t, dcgm.CoreLoggingChanged, rec.last().SubCommand)
	assert.Equal(t, uint32(dcgm.SeverityDebug), binary.LittleEndian.Uint32(rec.last().Payload))

	code, _, _ = diagctl(t, socket, "stop")
	require.Equal(t, 0, code)
	assert.Equal(t, dcgm.DiagStop, rec.last().SubCommand)

	code, out, _ := diagctl(t, socket, "run", "-r", "software", "-q", "overall")
	require.Equal(t, 0, code)
	assert.Equal(t, "PASS", out)
	assert.Equal(t, dcgm.DiagRun, rec.last().SubCommand)

	code, out, _ = diagctl(t, socket, "status", "-q", "paused")
	require.Equal(t, 0, code)
	assert.Equal(t, "true", out)

	code, _, _ = diagctl(t, socket, "inject", "-g", "7", "-f", "retired_pages_pending", "--value", "1")
	require.Equal(t, 0, code)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.injected, 1)
	assert.Equal(t, fieldvalue.FieldRetiredPending, rec.injected[0].FieldID)
	assert.Equal(t, int64(1), rec.injected[0].Int64)
}

func TestExecuteErrors(t *testing.T) {
	_, socket := startEngine(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "no command", args: nil, code: 2},
		{name: "unknown command", args: []string{"frobnicate"}, code: 2},
		{name: "bad severity", args: []string{"log-level", "loud"}, code: 2},
		{name: "missing field", args: []string{"inject", "-g", "7"}, code: 2},
		{name: "bad run flag", args: []string{"run", "--no-such-flag"}, code: 2},
		{name: "rejected inject", args: []string{"inject", "-g", "1", "-f", "392"}, code: 1},
		{name: "version", args: []string{"version"}, code: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := diagctl(t, socket, tt.args...)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestExecuteWithoutEngine(t *testing.T) {
	code, _, stderr := diagctl(t, filepath.Join(t.TempDir(), "missing.sock"), "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "connecting")
}
