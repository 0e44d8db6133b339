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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bifrosthq/bifrost/internal/config"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCommand()

	if cmd.Use != "bifrostd" {
		t.Errorf("expected use 'bifrostd', got %q", cmd.Use)
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("--config persistent flag not defined")
	}

	want := []string{"serve", "worker", "submit", "get", "list", "cancel", "validate", "version"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionJSON(t *testing.T) {
	cmd := newVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	var info versionInfo
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\noutput: %s", err, buf.String())
	}
	if info.Version != version {
		t.Errorf("expected version %q, got %q", version, info.Version)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.flow")
	validSource := `---
name: nightly_report
description: Build the nightly report
---
1 + 1
`
	if err := os.WriteFile(valid, []byte(validSource), 0o644); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}

	invalid := filepath.Join(dir, "invalid.flow")
	invalidSource := `---
name: nightly_report
---
1 + 1
`
	if err := os.WriteFile(invalid, []byte(invalidSource), 0o644); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}

	cmd := newValidateCommand()
	cmd.SetArgs([]string{valid})
	if err := cmd.Execute(); err != nil {
		t.Errorf("expected valid definition to pass, got: %v", err)
	}

	cmd = newValidateCommand()
	cmd.SetArgs([]string{valid, invalid})
	if err := cmd.Execute(); err == nil {
		t.Error("expected a validation failure for the definition without a description")
	}
}

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{
			name: "nil when nothing given",
		},
		{
			name:  "key value pairs",
			pairs: []string{"env=staging", "region=eu-west-1"},
			want:  map[string]any{"env": "staging", "region": "eu-west-1"},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"filter=a=b"},
			want:  map[string]any{"filter": "a=b"},
		},
		{
			name:  "json wins on collision",
			pairs: []string{"env=staging"},
			raw:   `{"env":"prod","count":3}`,
			want:  map[string]any{"env": "prod", "count": float64(3)},
		},
		{
			name:    "missing separator",
			pairs:   []string{"env"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=staging"},
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"env":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParameters(tt.pairs, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseParameters failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d parameters, got %d: %v", len(tt.want), len(got), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parameter %q: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestTableSpecsCoverAllTables(t *testing.T) {
	specs := tableSpecs()

	want := map[string]bool{
		store.ExecutionsTable: false,
		store.IndexTable:      false,
		logstream.Table:       false,
	}
	for _, spec := range specs {
		if _, ok := want[spec.Name]; ok {
			want[spec.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("table %q missing from the daemon's specs", name)
		}
	}
}

func TestObservabilityConfigVersionFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.ServiceVersion = ""

	out := observabilityConfig(cfg)
	if out.ServiceVersion != version {
		t.Errorf("expected service version to fall back to %q, got %q", version, out.ServiceVersion)
	}

	cfg.Observability.ServiceVersion = "1.2.3"
	out = observabilityConfig(cfg)
	if out.ServiceVersion != "1.2.3" {
		t.Errorf("expected explicit service version to win, got %q", out.ServiceVersion)
	}
}
