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

// Command diagctl talks to a running diag-engine over its command socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/config"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/transport"
)

var (
	// These variables will be populated during the build process
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: diagctl [global flags] <command> [flags]

Commands:
  run        run diagnostics and print the response
  stop       stop the running diagnostic
  pause      refuse new runs
  resume     accept runs again
  log-level  change the engine logging severity
  inject     set a field value of a simulated GPU
  status     print the engine state
  version    print the diagctl version

Global flags:
`

// errUsage marks errors caused by bad command lines.
var errUsage = errors.New("usage error")

type command func(ctx context.Context, c *transport.Client, args []string, out io.Writer) error

var commands = map[string]command{
	"run":       runCommand,
	"stop":      stopCommand,
	"pause":     pauseCommand(true),
	"resume":    pauseCommand(false),
	"log-level": logLevelCommand,
	"inject":    injectCommand,
	"status":    statusCommand,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("diagctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	socket := fs.StringP("socket", "s", socketDefault(), "Engine command socket.")
	responseTimeout := fs.Duration("response-timeout", transport.DefaultResponseTimeout,
		"How long to wait for a reply. Runs wait until they finish unless run --wait is set.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}

		return 2
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	if name == "version" {
		fmt.Fprintf(stdout, "diagctl %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "diagctl: unknown command %q\n", name)
		fs.Usage()

		return 2
	}

	client := transport.NewClient(*socket)
	client.ResponseTimeout = *responseTimeout

	if err := cmd(ctx, client, rest, stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}

		fmt.Fprintf(stderr, "diagctl %s: %v\n", name, err)

		if errors.Is(err, errUsage) {
			return 2
		}

		return 1
	}

	return 0
}

func socketDefault() string {
	if s := os.Getenv(config.EnvSocket); s != "" {
		return s
	}

	return config.DefaultSocketPath
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}
