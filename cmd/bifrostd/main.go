// Copyright 2025 Tom Barlow
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

// Command bifrostd is the Bifrost execution daemon. The serve subcommand
// runs the queue consumer, worker pool and workspace watcher; the worker
// subcommand is the process-pool child entry and is normally spawned by
// the pool rather than invoked by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/config"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configPath is the --config persistent flag value.
var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bifrostd",
		Short: "Bifrost - multi-tenant workflow execution engine",
		Long: `Bifrost runs named workflows and inline scripts in isolated worker
processes under tenant-scoped identity, with real-time log streaming,
cancellation, timeouts, and durable result persistence.

Run 'bifrostd serve' to start the execution daemon.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/bifrost/config.yaml)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig resolves the configuration file. An explicit --config path
// must exist; the default XDG location is optional.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if defaultPath, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(defaultPath); err == nil {
				path = defaultPath
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}
