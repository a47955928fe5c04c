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
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/transport"
)

const latestRevision = 9

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}

		return fmt.Errorf("%w: %v", errUsage, err)
	}

	return nil
}

type runOptions struct {
	tests             []string
	params            []string
	gpus              string
	fakeGpus          string
	configPath        string
	statsPath         string
	pluginPath        string
	debugLog          string
	throttleMask      string
	revision          uint32
	timeoutSeconds    uint32
	failCheckInterval uint32
	iterations        uint32
	failEarly         bool
	statsOnFail       bool
	verbose           bool
	reset             bool
	query             string
	wait              time.Duration
}

func (o *runOptions) bind(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&o.tests, "tests", "r", []string{"quick"},
		"Run level (1-4, quick, medium, long, xlong) or comma separated test names.")
	fs.StringArrayVarP(&o.params, "parameters", "p", nil,
		"Test parameters as test.param=value. Separate several with ';' or repeat the flag.")
	fs.StringVarP(&o.gpus, "gpus", "g", "", "GPU ids or ranges to test, for example 0,2-3. Default is every GPU.")
	fs.StringVar(&o.fakeGpus, "fake-gpus", "", "Simulated GPU ids to test instead of real ones.")
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML diagnostic configuration file sent with the run.")
	fs.StringVar(&o.statsPath, "stats-path", "", "Directory the engine writes per-test stats files to.")
	fs.StringVar(&o.pluginPath, "plugin-path", "", "Plugin directory the engine loads plugins from for this run.")
	fs.StringVar(&o.debugLog, "debug-log", "", "Debug log file recorded in the request.")
	fs.StringVar(&o.throttleMask, "throttle-mask", "", "Clock event reasons to ignore.")
	fs.Uint32Var(&o.revision, "revision", latestRevision, "Request revision to encode (5-9).")
	fs.Uint32Var(&o.timeoutSeconds, "timeout", 0, "Per-test timeout in seconds. 0 uses the engine default.")
	fs.Uint32Var(&o.failCheckInterval, "fail-check-interval", 0, "Seconds between fail-early checks.")
	fs.Uint32Var(&o.iterations, "iterations", 1, "Number of times to run the diagnostic.")
	fs.BoolVar(&o.failEarly, "fail-early", false, "Stop tests at the first failure.")
	fs.BoolVar(&o.statsOnFail, "stats-on-fail", false, "Write stats only when the run fails.")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Ask for verbose results.")
	fs.BoolVar(&o.reset, "reset", false, "Request a GPU reset after the run.")
	fs.StringVarP(&o.query, "query", "q", "", "Print only this gjson path of the response, for example tests.#.status.")
	fs.DurationVar(&o.wait, "wait", 0, "Give up waiting for each run after this long. 0 waits until it finishes.")
}

// levelOf returns the run level named by tests, or 0 when tests are names.
func levelOf(tests []string) uint32 {
	if len(tests) != 1 {
		return 0
	}

	if n, err := strconv.ParseUint(tests[0], 10, 32); err == nil && n >= 1 && n <= 4 {
		return uint32(n)
	}

	return 0
}

func splitParams(raw []string) []string {
	var out []string

	for _, r := range raw {
		for _, p := range strings.Split(r, ";") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}

	return out
}

func (o *runOptions) request() (*rundiag.RunDiagRequest, error) {
	if o.iterations == 0 {
		return nil, fmt.Errorf("%w: --iterations must be at least 1", errUsage)
	}

	if _, ok := rundiag.VersionOf(o.revision); !ok {
		return nil, fmt.Errorf("%w: unsupported revision %d", errUsage, o.revision)
	}

	for _, list := range []string{o.gpus, o.fakeGpus} {
		if _, err := rundiag.ParseGpuList(list); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
	}

	params := splitParams(o.params)
	if len(params) > rundiag.MaxTestParms {
		return nil, fmt.Errorf("%w: at most %d parameters are accepted", errUsage, rundiag.MaxTestParms)
	}

	for _, p := range params {
		if _, err := rundiag.ParseTestParameter(p); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
	}

	req := &rundiag.RunDiagRequest{
		TotalIterations:   o.iterations,
		TimeoutSeconds:    o.timeoutSeconds,
		FailCheckInterval: o.failCheckInterval,
	}

	if level := levelOf(o.tests); level != 0 {
		req.Validate = level
	} else {
		if len(o.tests) > rundiag.MaxTestNames {
			return nil, fmt.Errorf("%w: at most %d tests are accepted", errUsage, rundiag.MaxTestNames)
		}

		req.SetTestNames(o.tests...)
	}

	if o.failEarly {
		req.Flags |= rundiag.FlagFailEarly
	}

	if o.statsOnFail {
		req.Flags |= rundiag.FlagStatsOnFail
	}

	if o.verbose {
		req.Flags |= rundiag.FlagVerbose
	}

	if o.configPath != "" {
		contents, err := os.ReadFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("reading diagnostic configuration: %w", err)
		}

		if len(contents) >= rundiag.ConfigFileLen {
			return nil, fmt.Errorf("%w: %s is larger than %d bytes", errUsage, o.configPath, rundiag.ConfigFileLen-1)
		}

		req.SetConfigFile(string(contents))
	}

	req.SetParameters(params...)
	req.SetGpuList(o.gpus)
	req.SetFakeGpuList(o.fakeGpus)
	req.SetStatsPath(o.statsPath)
	req.SetPluginPath(o.pluginPath)
	req.SetDebugLogFile(o.debugLog)
	req.SetThrottleMask(o.throttleMask)

	return req, nil
}

func (o *runOptions) action() rundiag.Action {
	if o.reset {
		return rundiag.ActionGpuReset
	}

	return rundiag.ActionNone
}

// runCommandFor encodes one iteration of req as a RUN module command.
func runCommandFor(req *rundiag.RunDiagRequest, action rundiag.Action, revision, iteration uint32) (router.ModuleCommand, error) {
	req.CurrentIteration = iteration
	req.Version, _ = rundiag.VersionOf(revision)

	payload, msgVersion, err := rundiag.Encode(req, action, revision)
	if err != nil {
		return router.ModuleCommand{}, err
	}

	return router.ModuleCommand{
		ModuleID:   dcgm.ModuleDiag,
		SubCommand: dcgm.DiagRun,
		Version:    msgVersion,
		Payload:    payload,
	}, nil
}

func runCommand(ctx context.Context, c *transport.Client, args []string, out io.Writer) error {
	var opts runOptions

	fs := newFlagSet("run")
	opts.bind(fs)

	if err := parseFlags(fs, args); err != nil {
		return err
	}

	req, err := opts.request()
	if err != nil {
		return err
	}

	c.ResponseTimeout = 0

	for i := range opts.iterations {
		cmd, err := runCommandFor(req, opts.action(), opts.revision, i)
		if err != nil {
			return err
		}

		runCtx, cancel := withTimeout(ctx, opts.wait)
		resp, err := c.Command(runCtx, cmd)

		cancel()

		if err != nil {
			return err
		}

		if err := printJSON(out, resp, opts.query); err != nil {
			return err
		}
	}

	return nil
}

func printJSON(out io.Writer, v any, query string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if query != "" {
		result := gjson.GetBytes(data, query)
		if !result.Exists() {
			return fmt.Errorf("%w: path %q matches nothing", errUsage, query)
		}

		_, err = fmt.Fprintln(out, result.String())

		return err
	}

	_, err = fmt.Fprintln(out, string(data))

	return err
}

func stopCommand(ctx context.Context, c *transport.Client, args []string, _ io.Writer) error {
	if err := parseFlags(newFlagSet("stop"), args); err != nil {
		return err
	}

	_, err := c.Command(ctx, router.ModuleCommand{ModuleID: dcgm.ModuleDiag, SubCommand: dcgm.DiagStop})

	return err
}

func uint32Payload(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func pauseCommand(pause bool) command {
	return func(ctx context.Context, c *transport.Client, args []string, _ io.Writer) error {
		if err := parseFlags(newFlagSet("pause"), args); err != nil {
			return err
		}

		var v uint32
		if pause {
			v = 1
		}

		_, err := c.Command(ctx, router.ModuleCommand{
			ModuleID:   dcgm.ModuleCore,
			SubCommand: dcgm.CorePauseResume,
			Payload:    uint32Payload(v),
		})

		return err
	}
}

func logLevelCommand(ctx context.Context, c *transport.Client, args []string, _ io.Writer) error {
	fs := newFlagSet("log-level")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected one severity such as ERROR, WARNING, INFO, DEBUG or VERBOSE", errUsage)
	}

	sev, ok := dcgm.ParseSeverity(fs.Arg(0))
	if !ok {
		return fmt.Errorf("%w: unknown severity %q", errUsage, fs.Arg(0))
	}

	_, err := c.Command(ctx, router.ModuleCommand{
		ModuleID:   dcgm.ModuleCore,
		SubCommand: dcgm.CoreLoggingChanged,
		Payload:    uint32Payload(uint32(int32(sev))),
	})

	return err
}

func injectCommand(ctx context.Context, c *transport.Client, args []string, _ io.Writer) error {
	var (
		gpu    uint
		field  string
		value  int64
		str    string
		status int32
	)

	fs := newFlagSet("inject")
	fs.UintVarP(&gpu, "gpu", "g", 0, "Simulated GPU id.")
	fs.StringVarP(&field, "field", "f", "", "Field name or id, for example retired_pages_pending.")
	fs.Int64Var(&value, "value", 0, "Integer value.")
	fs.StringVar(&str, "string", "", "String value.")
	fs.Int32Var(&status, "status", 0, "Value status. Non-zero marks the value unusable.")

	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if field == "" {
		return fmt.Errorf("%w: --field is required", errUsage)
	}

	id, err := fieldvalue.ParseFieldID(field)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	return c.Inject(ctx, gpu, fieldvalue.Value{FieldID: id, Status: status, Int64: value, Str: str})
}

func statusCommand(ctx context.Context, c *transport.Client, args []string, out io.Writer) error {
	var query string

	fs := newFlagSet("status")
	fs.StringVarP(&query, "query", "q", "", "Print only this gjson path of the report.")

	if err := parseFlags(fs, args); err != nil {
		return err
	}

	report, err := c.Status(ctx)
	if err != nil {
		return err
	}

	return printJSON(out, report, query)
}
