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
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bifrosthq/bifrost/internal/discovery"
)

var validateJSON bool

// newValidateCommand creates the validate command
func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow definition files",
		Long: `Validate checks definition files the way the workspace loader does:
front matter fences, YAML syntax, metadata rules, body compilation and
parameter validation expressions. Findings are positioned by file line
so editors can annotate them.`,
		Example: `  # Validate one definition
  bifrostd validate deploy-report.flow

  # Validate a workspace and emit findings as JSON
  bifrostd validate workspace/**/*.flow --json`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE:         runValidate,
	}

	cmd.Flags().BoolVar(&validateJSON, "json", false, "Print reports as JSON")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := quietLogger()

	// The workspace root only matters for scans; validation reads each
	// path as given.
	ws, err := discovery.New(discovery.Config{
		Root:   filepath.Dir(args[0]),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	failed := 0
	reports := make(map[string]*discovery.Report, len(args))
	for _, path := range args {
		report, err := ws.ValidateFile(path)
		if err != nil {
			return err
		}
		reports[path] = report
		if !report.Valid {
			failed++
		}
	}

	if validateJSON {
		if err := printJSON(reports); err != nil {
			return err
		}
	} else {
		for _, path := range args {
			printReport(path, reports[path])
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions failed validation", failed, len(args))
	}
	return nil
}

func printReport(path string, report *discovery.Report) {
	if report.Valid && len(report.Issues) == 0 {
		name := ""
		if report.Metadata != nil {
			name = " (" + report.Metadata.Name + ")"
		}
		fmt.Printf("%s: ok%s\n", path, name)
		return
	}
	for _, issue := range report.Issues {
		fmt.Printf("%s:%d: %s: %s\n", path, issue.Line, issue.Severity, issue.Message)
	}
}
