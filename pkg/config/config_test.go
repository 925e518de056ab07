// Copyright 2026 fanjia1024
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
gateway:
  max_tape_bytes: 1048576
  max_job_wall_time: "5m"
prover:
  base_url: "http://prover:3000"
  receipt_kind: "groth16"
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.Gateway.MaxTapeBytes != 1048576 {
		t.Errorf("Gateway.MaxTapeBytes: got %d", cfg.Gateway.MaxTapeBytes)
	}
	if cfg.Prover.BaseURL != "http://prover:3000" {
		t.Errorf("Prover.BaseURL: got %q", cfg.Prover.BaseURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_EnvKeyExpansion(t *testing.T) {
	dir := t.TempDir()
	yaml := `
prover:
  api_key: "${TEST_PROVER_KEY}"
relay:
  api_key: "literal-key"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv("TEST_PROVER_KEY", "sk-123")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Prover.APIKey != "sk-123" {
		t.Errorf("Prover.APIKey: got %q", cfg.Prover.APIKey)
	}
	if cfg.Relay.APIKey != "literal-key" {
		t.Errorf("Relay.APIKey: got %q", cfg.Relay.APIKey)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", 3*time.Second); got != 3*time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("bogus", time.Minute); got != time.Minute {
		t.Errorf("invalid: got %v", got)
	}
	if got := ParseDuration("45s", time.Minute); got != 45*time.Second {
		t.Errorf("valid: got %v", got)
	}
}
