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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/config"
	"github.com/bifrosthq/bifrost/internal/kv"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
	"github.com/bifrosthq/bifrost/internal/tablestore"
)

// Execution command flags
var (
	execScope  string
	getResult  bool
	getLogs    bool
	getJSON    bool
	listUser   string
	listFlow   string
	listForm   string
	listLimit  int
	listCursor string
	listJSON   bool
)

// newGetCommand creates the get command
func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution record",
		Example: `  # Show an execution
  bifrostd get 4f7c2a9e-1b3d-4e8f-9a2c-5d6e7f8a9b0c

  # Include the stored result and persisted logs
  bifrostd get 4f7c2a9e-1b3d-4e8f-9a2c-5d6e7f8a9b0c --result --logs`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runGet,
	}

	cmd.Flags().StringVar(&execScope, "scope", store.ScopeGlobal, "Tenant scope")
	cmd.Flags().BoolVar(&getResult, "result", false, "Fetch the result even when it spilled to object storage")
	cmd.Flags().BoolVar(&getLogs, "logs", false, "Include the persisted log stream")
	cmd.Flags().BoolVar(&getJSON, "json", false, "Print as JSON")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	records, tables, cleanup, err := openRecords(ctx, cfg, quietLogger())
	if err != nil {
		return err
	}
	defer cleanup()

	e, err := records.Get(ctx, args[0], execScope)
	if err != nil {
		return err
	}

	result := e.Result
	if getResult && e.ResultInObjectStore {
		if result, err = records.GetResult(ctx, e); err != nil {
			return fmt.Errorf("fetch spilled result: %w", err)
		}
	}

	var entries []*logstream.Entry
	if getLogs {
		if entries, err = logstream.New(tables).All(ctx, e.ExecutionID); err != nil {
			return fmt.Errorf("fetch logs: %w", err)
		}
	}

	if getJSON {
		return printJSON(map[string]any{
			"execution_id":     e.ExecutionID,
			"scope":            e.Scope,
			"workflow_name":    e.WorkflowName,
			"status":           e.Status,
			"started_at":       e.StartedAt,
			"completed_at":     e.CompletedAt,
			"duration_ms":      e.DurationMs,
			"executed_by":      e.Caller,
			"parameters":       e.Parameters,
			"result":           result,
			"error_message":    e.ErrorMessage,
			"error_type":       e.ErrorType,
			"resource_metrics": e.ResourceMetrics,
			"logs":             entries,
		})
	}

	fmt.Printf("execution: %s\n", e.ExecutionID)
	fmt.Printf("workflow:  %s\n", e.WorkflowName)
	fmt.Printf("scope:     %s\n", e.Scope)
	fmt.Printf("status:    %s\n", e.Status)
	fmt.Printf("by:        %s\n", callerLabel(e.Caller))
	fmt.Printf("started:   %s\n", e.StartedAt.Format(time.RFC3339))
	if e.CompletedAt != nil {
		fmt.Printf("completed: %s (%dms)\n", e.CompletedAt.Format(time.RFC3339), e.DurationMs)
	}
	if e.ErrorMessage != "" {
		fmt.Printf("error:     %s (%s)\n", e.ErrorMessage, e.ErrorType)
	}
	if m := e.ResourceMetrics; m != nil {
		fmt.Printf("resources: rss=%dB cpu_user=%.3fs cpu_sys=%.3fs\n",
			m.PeakRSSBytes, m.CPUUserSeconds, m.CPUSystemSeconds)
	}
	if result != nil {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fmt.Printf("result:\n%s\n", out)
	} else if e.ResultInObjectStore {
		fmt.Println("result:    in object storage (use --result)")
	}
	for _, entry := range entries {
		fmt.Printf("[%s] %s %s\n", entry.Level, entry.Timestamp.Format(time.RFC3339), entry.Message)
	}
	return nil
}

// newListCommand creates the list command
func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Long: `List executions, newest first. By default the scope's executions are
listed; --user, --workflow and --form select an index instead.`,
		Example: `  # Recent executions in the global scope
  bifrostd list --limit 20

  # One user's executions across scopes
  bifrostd list --user alice

  # Resume a previous page
  bifrostd list --cursor "$TOKEN"`,
		SilenceUsage: true,
		RunE:         runList,
	}

	cmd.Flags().StringVar(&execScope, "scope", store.ScopeGlobal, "Tenant scope")
	cmd.Flags().StringVar(&listUser, "user", "", "List one user's executions")
	cmd.Flags().StringVar(&listFlow, "workflow", "", "List one workflow's executions in the scope")
	cmd.Flags().StringVar(&listForm, "form", "", "List executions correlated to a form")
	cmd.Flags().IntVar(&listLimit, "limit", 50, "Page size")
	cmd.Flags().StringVar(&listCursor, "cursor", "", "Continuation token from a previous page")
	cmd.Flags().BoolVar(&listJSON, "json", false, "Print as JSON")
	cmd.MarkFlagsMutuallyExclusive("user", "workflow", "form")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	records, _, cleanup, err := openRecords(ctx, cfg, quietLogger())
	if err != nil {
		return err
	}
	defer cleanup()

	page := store.Page{Limit: listLimit, Token: listCursor}

	var (
		rows  []*store.Projection
		token string
	)
	switch {
	case listUser != "":
		rows, token, err = records.ListByUser(ctx, listUser, page)
	case listFlow != "":
		rows, token, err = records.ListByWorkflow(ctx, listFlow, execScope, page)
	case listForm != "":
		rows, token, err = records.ListByForm(ctx, listForm, page)
	default:
		var executions []*store.Execution
		executions, token, err = records.ListByScope(ctx, execScope, page)
		for _, e := range executions {
			rows = append(rows, &store.Projection{
				ExecutionID:    e.ExecutionID,
				Scope:          e.Scope,
				WorkflowName:   e.WorkflowName,
				Status:         e.Status,
				StartedAt:      e.StartedAt,
				CompletedAt:    e.CompletedAt,
				DurationMs:     e.DurationMs,
				ErrorMessage:   e.ErrorMessage,
				ExecutedByName: e.Caller.DisplayName,
			})
		}
	}
	if err != nil {
		return err
	}

	if listJSON {
		return printJSON(map[string]any{"executions": rows, "next_cursor": token})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tBY")
	for _, row := range rows {
		duration := "-"
		if row.CompletedAt != nil {
			duration = fmt.Sprintf("%dms", row.DurationMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.ExecutionID,
			row.WorkflowName,
			row.Status,
			row.StartedAt.Format(time.RFC3339),
			duration,
			row.ExecutedByName,
		)
	}
	w.Flush()
	if token != "" {
		fmt.Printf("\nnext page: --cursor %q\n", token)
	}
	return nil
}

// newCancelCommand creates the cancel command
func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of a running execution",
		Long: `Cancel marks the execution CANCELLING and raises the cancel flag the
worker polls. The consumer drives the terminal CANCELLED transition;
the graceful window still applies, so termination is not immediate.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runCancel,
	}

	cmd.Flags().StringVar(&execScope, "scope", store.ScopeGlobal, "Tenant scope")

	return cmd
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	executionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := quietLogger()
	records, _, cleanup, err := openRecords(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	updated, err := records.Update(ctx, executionID, execScope, func(e *store.Execution) error {
		if e.Status.IsTerminal() {
			return fmt.Errorf("execution is already %s", e.Status)
		}
		e.Status = store.StatusCancelling
		return nil
	})
	if err != nil {
		return err
	}

	// The record flag alone is enough for the consumer's poll; the KV
	// flag lets the worker's own monitor see it a cycle earlier.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := kv.New(rdb, kv.Config{TTL: cfg.Pool.HandshakeTTL}).RequestCancel(ctx, executionID); err != nil {
		logger.Warn("cancel flag write failed, relying on status polling", log.Error(err))
	}

	fmt.Printf("execution %s is %s\n", updated.ExecutionID, updated.Status)
	return nil
}

// openRecords opens the record store stack shared by the one-shot
// record commands.
func openRecords(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Manager, tablestore.Store, func(), error) {
	tables, err := openTableStore(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open record store: %w", err)
	}
	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		tables.Close()
		return nil, nil, nil, fmt.Errorf("failed to open object store: %w", err)
	}
	return store.NewManager(tables, objects, logger), tables, func() { tables.Close() }, nil
}

// quietLogger keeps CLI output clean: only warnings and errors surface.
func quietLogger() *slog.Logger {
	logger := log.New(&log.Config{Level: "warn", Format: log.FormatText, Output: os.Stderr})
	slog.SetDefault(logger)
	return logger
}

func callerLabel(c store.Caller) string {
	if c.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", c.DisplayName, c.UserID)
	}
	return c.UserID
}
