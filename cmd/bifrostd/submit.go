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

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/cache"
	"github.com/bifrosthq/bifrost/internal/config"
	"github.com/bifrosthq/bifrost/internal/dispatch"
	"github.com/bifrosthq/bifrost/internal/jq"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
	"github.com/bifrosthq/bifrost/internal/worker"
	"github.com/bifrosthq/bifrost/pkg/workflow"
)

// Submit command flags
var (
	submitCodeFile string
	submitScope    string
	submitUser     string
	submitUserName string
	submitEmail    string
	submitForm     string
	submitParams   []string
	submitJSON     string
	submitNoCache  bool
	submitAdmin    bool
	submitOutJSON  bool
)

// newSubmitCommand creates the submit command
func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [workflow]",
		Short: "Submit a workflow or inline script for execution",
		Long: `Submit dispatches one execution against the configured stores and
queue. Named async workflows and inline scripts are enqueued for the
daemon; named sync workflows run in this process and print the full
result envelope.

The queue backend must be redis: the in-memory queue lives inside the
daemon process and cannot be reached from here.`,
		Example: `  # Submit a named workflow
  bifrostd submit deploy-report --user alice --param env=staging

  # Submit an inline script
  bifrostd submit --code-file cleanup.flow --user alice

  # JSON parameters and machine-readable output
  bifrostd submit deploy-report --user alice --params '{"env":"staging"}' --json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		RunE:          runSubmit,
	}

	cmd.Flags().StringVar(&submitCodeFile, "code-file", "", "File with inline script source (instead of a workflow name)")
	cmd.Flags().StringVar(&submitScope, "scope", "", "Tenant scope (default: global)")
	cmd.Flags().StringVar(&submitUser, "user", "", "Caller user ID (required)")
	cmd.Flags().StringVar(&submitUserName, "user-name", "", "Caller display name")
	cmd.Flags().StringVar(&submitEmail, "email", "", "Caller email")
	cmd.Flags().StringVar(&submitForm, "form", "", "Form ID the submission came from")
	cmd.Flags().StringArrayVar(&submitParams, "param", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&submitJSON, "params", "", "Parameters as a JSON object (merged over --param)")
	cmd.Flags().BoolVar(&submitNoCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().BoolVar(&submitAdmin, "admin", false, "Request unmasked errors and debug logs")
	cmd.Flags().BoolVar(&submitOutJSON, "json", false, "Print the response as JSON")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (submitCodeFile == "") {
		return fmt.Errorf("provide exactly one of a workflow name or --code-file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Queue.Backend != "redis" {
		return fmt.Errorf("submit requires the redis queue backend, got %q", cfg.Queue.Backend)
	}

	params, err := parseParameters(submitParams, submitJSON)
	if err != nil {
		return err
	}

	req := &dispatch.Request{
		Scope: submitScope,
		Caller: store.Caller{
			UserID:      submitUser,
			DisplayName: submitUserName,
			Email:       submitEmail,
		},
		Parameters:      params,
		FormID:          submitForm,
		NoCache:         submitNoCache,
		IsPlatformAdmin: submitAdmin,
	}
	if len(args) == 1 {
		req.WorkflowName = args[0]
	} else {
		code, err := os.ReadFile(submitCodeFile)
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		req.Code = base64.StdEncoding.EncodeToString(code)
	}

	d, cleanup, err := buildDispatcher(cmd, cfg, quietLogger())
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := d.Dispatch(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// buildDispatcher assembles the dispatcher over the shared stores and
// queue, plus an in-process engine for sync workflows. The returned
// cleanup closes every opened backend.
func buildDispatcher(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*dispatch.Dispatcher, func(), error) {
	ctx := cmd.Context()
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	tables, err := openTableStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open record store: %w", err)
	}
	closers = append(closers, func() { tables.Close() })

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open object store: %w", err)
	}
	records := store.NewManager(tables, objects, logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { rdb.Close() })

	q, err := openQueue(ctx, cfg, rdb, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open queue: %w", err)
	}
	closers = append(closers, func() { q.Close() })

	dcfg := dispatch.Config{
		Records:  records,
		Queue:    q,
		Registry: workflow.Default(),
		Logger:   logger,
	}
	if cfg.Broadcast.Backend == "redis" {
		caster := broadcast.NewRedis(rdb)
		closers = append(closers, func() { caster.Close() })
		dcfg.Notifier = broadcast.NewNotifier(caster, logger)
	}

	ecfg := worker.Config{
		Registry: workflow.Default(),
		Cache:    cache.New(cache.Config{}),
		Notifier: dcfg.Notifier,
		JQ:       jq.NewRunner(cfg.JQ.Timeout, cfg.JQ.MaxInputSize),
		Logger:   logger,
	}
	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "" {
		ecfg.Logs = logstream.New(tables)
	}
	if ws, err := openWorkspace(cfg, logger); err != nil {
		cleanup()
		return nil, nil, err
	} else if ws != nil {
		dcfg.Resolver = ws
		ecfg.Resolver = ws
	}
	dcfg.Engine = worker.NewEngine(ecfg)

	return dispatch.New(dcfg), cleanup, nil
}

// parseParameters merges repeated key=value flags with a JSON object;
// the JSON side wins on key collisions.
func parseParameters(pairs []string, raw string) (map[string]any, error) {
	if len(pairs) == 0 && raw == "" {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		params[key] = value
	}
	if raw != "" {
		var fromJSON map[string]any
		if err := json.Unmarshal([]byte(raw), &fromJSON); err != nil {
			return nil, fmt.Errorf("invalid --params JSON: %w", err)
		}
		for k, v := range fromJSON {
			params[k] = v
		}
	}
	return params, nil
}

func printResponse(resp *dispatch.Response) error {
	if submitOutJSON {
		return printJSON(resp)
	}

	fmt.Printf("execution: %s\n", resp.ExecutionID)
	fmt.Printf("status:    %s\n", resp.Status)
	if resp.Status == store.StatusPending {
		return nil
	}
	if resp.DurationMs > 0 {
		fmt.Printf("duration:  %dms\n", resp.DurationMs)
	}
	if resp.Cached {
		fmt.Println("cached:    true")
	}
	if resp.ErrorMessage != "" {
		fmt.Printf("error:     %s (%s)\n", resp.ErrorMessage, resp.ErrorType)
	}
	if resp.Result != nil {
		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fmt.Printf("result:\n%s\n", out)
	}
	for _, entry := range resp.Logs {
		fmt.Printf("[%s] %s\n", entry.Level, entry.Message)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
