// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/config"
)

// =============================================================================
// HELPERS
// =============================================================================

// isolate points HOME at a temp dir and clears every variable the config
// layer reads.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, name := range []string{
		config.EnvConfigPath,
		"OPENAI_API_TYPE", "OPENAI_API_HOST", "OPENAI_API_VERSION",
		"OPENAI_AZURE_DEPLOYMENT_ID", "OPENAI_ORGANIZATION", "OPENAI_API_KEY",
		"OPENAI_API_MAX_TOKENS", "OPENAI_DEFAULT_MODEL",
		"CHATRELAY_HOST", "CHATRELAY_PORT", "CHATRELAY_UNLOCK_CODE",
		"CHATRELAY_MODELS_FILE", "CHATRELAY_JOURNAL_PATH",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(name, "")
	}
	return home
}

type result struct {
	code   int
	stdout string
	stderr string
}

func execute(t *testing.T, stdin io.Reader, args ...string) result {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	code := run(root)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decodeResponse(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), "output: %s", s)
	return out
}

const twoModels = `
[[model]]
id = "beta"
name = "Beta"
max_length = 2000
token_limit = 1000

[[model]]
id = "alpha"
name = "Alpha"
max_length = 4000
token_limit = 2000
`

// sseUpstream streams "Hello, world" in two deltas.
func sseUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []string{
			`{"choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{"content":", world"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// VERSION
// =============================================================================

func TestVersion_Text(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "version")

	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "chatrelay")
	assert.Contains(t, res.stdout, Version)
	assert.Contains(t, res.stdout, "Go:")
}

func TestVersion_JSON(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "--json", "version")

	require.Equal(t, 0, res.code, res.stderr)
	out := decodeResponse(t, res.stdout)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "version", out["command"])
	assert.Nil(t, out["error"])

	data := out["data"].(map[string]any)
	assert.Equal(t, Version, data["version"])
	assert.Equal(t, GitCommit, data["git_commit"])
	assert.NotEmpty(t, data["go_version"])
}

// =============================================================================
// MODELS
// =============================================================================

func TestModels_Builtin(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "models")

	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "built-in")
	for _, id := range []string{"gpt-3.5-turbo", "gpt-35-turbo", "gpt-4", "gpt-4-32k"} {
		assert.Contains(t, res.stdout, id)
	}
	assert.Contains(t, res.stdout, "*")
}

func TestModels_JSONFromFile(t *testing.T) {
	isolate(t)
	file := writeFile(t, "models.toml", twoModels)

	res := execute(t, nil, "--json", "models", "--file", file)

	require.Equal(t, 0, res.code, res.stderr)
	out := decodeResponse(t, res.stdout)
	data := out["data"].(map[string]any)
	assert.Equal(t, file, data["source"])
	// gpt-4-32k is not in the file, so the first id wins.
	assert.Equal(t, "alpha", data["default"])

	models := data["models"].([]any)
	require.Len(t, models, 2)
	first := models[0].(map[string]any)
	assert.Equal(t, "alpha", first["id"])
	assert.Equal(t, float64(4000), first["maxLength"])
}

func TestModels_BadFile(t *testing.T) {
	isolate(t)
	file := writeFile(t, "models.toml", "[[model]]\nid = \"x\"\n")

	res := execute(t, nil, "models", "--file", file)

	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "Error:")
	assert.Contains(t, res.stderr, "max_length")
}

func TestErrorEnvelope_JSON(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "--json", "models", "--file", filepath.Join(t.TempDir(), "missing.toml"))

	assert.Equal(t, 1, res.code)
	assert.Empty(t, res.stderr)
	out := decodeResponse(t, res.stdout)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "models", out["command"])
	assert.Contains(t, out["error"], "missing.toml")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfigInit(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	res := execute(t, nil, "--config", path, "config", "init")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Provider.Host, cfg.Provider.Host)

	t.Run("refuses to overwrite", func(t *testing.T) {
		res := execute(t, nil, "--config", path, "config", "init")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "already exists")
	})

	t.Run("force overwrites", func(t *testing.T) {
		res := execute(t, nil, "--config", path, "config", "init", "--force")
		assert.Equal(t, 0, res.code, res.stderr)
	})
}

func TestConfigInit_AskKey(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	res := execute(t, strings.NewReader("sk-typed\n"), "--config", path, "config", "init", "--ask-key")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stderr, "Provider API key:")
	assert.NotContains(t, res.stdout, "sk-typed")

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-typed", cfg.Provider.APIKey)
}

func TestConfigInit_DefaultPath(t *testing.T) {
	home := isolate(t)

	res := execute(t, nil, "config", "init")
	require.Equal(t, 0, res.code, res.stderr)

	_, err := os.Stat(filepath.Join(home, ".chatrelay", "config.toml"))
	assert.NoError(t, err)
}

func TestConfigShow_Redacts(t *testing.T) {
	isolate(t)
	path := writeFile(t, "config.toml", "[provider]\napi_key = \"sk-secret\"\n")

	t.Run("text", func(t *testing.T) {
		res := execute(t, nil, "--config", path, "config", "show")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "# source: "+path)
		assert.Contains(t, res.stdout, "[REDACTED]")
		assert.NotContains(t, res.stdout, "sk-secret")
	})

	t.Run("json", func(t *testing.T) {
		res := execute(t, nil, "--json", "--config", path, "config", "show")
		require.Equal(t, 0, res.code, res.stderr)
		assert.NotContains(t, res.stdout, "sk-secret")
		out := decodeResponse(t, res.stdout)
		assert.Equal(t, "config show", out["command"])
	})
}

func TestConfigShow_Defaults(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "config", "show")

	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "# source: built-in defaults")
	assert.Contains(t, res.stdout, "gpt-4-32k")
}

func TestConfigValidate(t *testing.T) {
	isolate(t)
	valid := writeFile(t, "valid.toml", "[server]\nport = 9090\n")
	invalid := writeFile(t, "invalid.toml", "[server]\nport = 70000\n\n[logging]\nlevel = \"loud\"\n")

	t.Run("valid", func(t *testing.T) {
		res := execute(t, nil, "--config", valid, "config", "validate")
		assert.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "is valid")
	})

	t.Run("invalid text", func(t *testing.T) {
		res := execute(t, nil, "--config", invalid, "config", "validate")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stdout, "is invalid")
		assert.Contains(t, res.stdout, "server.port")
		assert.Contains(t, res.stdout, "logging.level")
		assert.Contains(t, res.stderr, "configuration is invalid")
	})

	t.Run("invalid json", func(t *testing.T) {
		res := execute(t, nil, "--json", "--config", invalid, "config", "validate")
		assert.Equal(t, 1, res.code)
		assert.Empty(t, res.stderr)

		out := decodeResponse(t, res.stdout)
		assert.Equal(t, false, out["success"])
		data := out["data"].(map[string]any)
		assert.Equal(t, false, data["valid"])
		assert.Len(t, data["errors"], 2)
	})
}

func TestConfigValidate_BadEnvInteger(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_MAX_TOKENS", "lots")

	res := execute(t, nil, "--json", "config", "validate")
	assert.Equal(t, 1, res.code)

	out := decodeResponse(t, res.stdout)
	data := out["data"].(map[string]any)
	assert.Equal(t, false, data["valid"])
	errs := data["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "OPENAI_API_MAX_TOKENS")

	doctor := execute(t, nil, "doctor", "--offline")
	assert.Equal(t, 1, doctor.code)
	assert.Contains(t, doctor.stdout, "OPENAI_API_MAX_TOKENS")
}

// =============================================================================
// DOCTOR
// =============================================================================

func TestDoctor_Offline(t *testing.T) {
	isolate(t)
	res := execute(t, nil, "doctor", "--offline")

	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Config valid (using defaults)")
	assert.Contains(t, res.stdout, "direct mode")
	assert.Contains(t, res.stdout, "[!!]") // no default API key
	assert.NotContains(t, res.stdout, "reachable")
}

func TestDoctor_JSONWithUpstream(t *testing.T) {
	isolate(t)
	upstream := sseUpstream(t)
	path := writeFile(t, "config.toml", fmt.Sprintf(
		"[provider]\nhost = %q\napi_key = \"sk-test\"\n\n[journal]\nenabled = true\npath = %q\n",
		upstream.URL, filepath.Join(t.TempDir(), "journal.db")))

	res := execute(t, nil, "--json", "--config", path, "doctor")

	require.Equal(t, 0, res.code, res.stdout)
	var resp struct {
		Success bool       `json:"success"`
		Data    DoctorData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Summary.Healthy)
	assert.Equal(t, 6, resp.Data.Summary.Passed)

	names := make([]string, 0, len(resp.Data.Checks))
	for _, c := range resp.Data.Checks {
		names = append(names, c.Name)
		assert.Equal(t, "pass", c.Status, c.Name)
	}
	assert.Equal(t, []string{
		"Config Valid", "Provider Mode", "Credential", "Models", "Journal", "Upstream Reachable",
	}, names)
}

func TestDoctor_Failures(t *testing.T) {
	isolate(t)

	t.Run("bad config stops early", func(t *testing.T) {
		path := writeFile(t, "config.toml", "[server]\nport = -1\n")
		res := execute(t, nil, "--json", "--config", path, "doctor", "--offline")

		assert.Equal(t, 1, res.code)
		out := decodeResponse(t, res.stdout)
		assert.Equal(t, false, out["success"])
		checks := out["data"].(map[string]any)["checks"].([]any)
		assert.Len(t, checks, 1)
	})

	t.Run("unreachable upstream", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		path := writeFile(t, "config.toml", fmt.Sprintf("[provider]\nhost = \"http://%s\"\n", addr))
		res := execute(t, nil, "--config", path, "doctor")

		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stdout, "Cannot reach")
		assert.Contains(t, res.stderr, "1 health check(s) failed")
	})
}

// =============================================================================
// SERVE
// =============================================================================

func TestRunServer_RelaysAndShutsDown(t *testing.T) {
	isolate(t)
	upstream := sseUpstream(t)

	cfg := config.Default()
	cfg.Provider.Host = upstream.URL
	cfg.Provider.APIKey = "sk-test"
	cfg.RateLimit.Enabled = false

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, ln, logger) }()

	resp, err := http.Post(base+"/api/chat", "application/json",
		strings.NewReader(`{"modelId":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello, world", string(body))

	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServer_CancelledBeforeServe(t *testing.T) {
	isolate(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger, _ := logtest.NewNullLogger()
	assert.NoError(t, runServer(ctx, config.Default(), ln, logger))
}

func TestNewApp_Wiring(t *testing.T) {
	isolate(t)
	logger, _ := logtest.NewNullLogger()

	cfg := config.Default()
	cfg.Models.File = writeFile(t, "models.toml", twoModels)
	cfg.Models.Watch = true
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	assert.NotNil(t, a.watcher)
	assert.NotNil(t, a.journal)
	assert.Same(t, a.journal, a.recorder.Journal())
	assert.Equal(t, 2, a.registry.Len())
	assert.Equal(t, "closed", a.relay.BreakerState())
	assert.NoError(t, a.Close())
}

func TestNewApp_Errors(t *testing.T) {
	isolate(t)
	logger, _ := logtest.NewNullLogger()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"gateway without deployment", func(c *config.Config) {
			c.Provider.Mode = "gateway"
			c.Provider.DeploymentID = ""
		}},
		{"missing models file", func(c *config.Config) {
			c.Models.File = filepath.Join(t.TempDir(), "missing.toml")
		}},
		{"unwritable journal", func(c *config.Config) {
			blocker := writeFile(t, "blocker", "x")
			c.Journal.Enabled = true
			c.Journal.Path = filepath.Join(blocker, "journal.db")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := newApp(cfg, logger)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// HELPERS UNDER TEST
// =============================================================================

func TestCommandPath(t *testing.T) {
	root := NewRootCommand()
	cmd, _, err := root.Find([]string{"config", "init"})
	require.NoError(t, err)

	assert.Equal(t, "config init", commandPath(cmd))
	assert.Equal(t, "chatrelay", commandPath(root))
	assert.Equal(t, "chatrelay", commandPath(nil))
}

func TestReadSecret_NonTerminal(t *testing.T) {
	var prompt bytes.Buffer

	key, err := readSecret(strings.NewReader("  sk-abc  \n"), &prompt, "Key: ")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", key)
	assert.Equal(t, "Key: ", prompt.String())

	key, err = readSecret(strings.NewReader("no-newline"), &prompt, "Key: ")
	require.NoError(t, err)
	assert.Equal(t, "no-newline", key)
}
