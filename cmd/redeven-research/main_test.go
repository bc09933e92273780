package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-research/internal/config"
	"github.com/floegence/redeven-research/internal/events"
)

func TestResolveFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "text", resolveFormat("auto", true))
	assert.Equal(t, "ndjson", resolveFormat("", false))
	assert.Equal(t, "ndjson", resolveFormat("NDJSON", true))
	assert.Equal(t, "yaml", resolveFormat("yaml", true))
}

func TestTextRenderer(t *testing.T) {
	t.Parallel()

	var out, status bytes.Buffer
	r := newTextRenderer(&out, &status)
	r.Emit(events.Event{Type: events.TypeToolCallStarted, ToolCallID: "c1", Content: `<ToolCall id="c1" type="web_search" status="running" query="tides" />`})
	r.Emit(events.Response("Tides follow"))
	r.Emit(events.Response(" the moon [1]."))
	r.Emit(events.Event{Type: events.TypeSources, Data: []events.Document{{Title: "Tides", URL: "https://example.com/tides"}}})
	r.Emit(events.End())

	assert.Equal(t, "Tides follow the moon [1].\n\nSources:\n[1] Tides\n    https://example.com/tides\n", out.String())
	assert.Equal(t, "  > web_search: tides\n", status.String())
}

func TestTextRenderer_Cancelled(t *testing.T) {
	t.Parallel()

	var out, status bytes.Buffer
	r := newTextRenderer(&out, &status)
	r.Emit(events.Failure(events.CodeCanceled, "user"))
	assert.Empty(t, out.String())
	assert.Equal(t, "cancelled: user\n", status.String())
}

func TestDescribeToolCall(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fetch_page: https://a.example", describeToolCall("c2", `<ToolCall id="c2" type="fetch_page" status="running" url="https://a.example" />`))
	assert.Equal(t, "write_todos", describeToolCall("c3", `<ToolCall id="c3" type="write_todos" status="running" />`))
	assert.Equal(t, "c4", describeToolCall("c4", "plain text"))
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := filepath.Join(dir, "config.json")

	cfg, path, err := loadConfig(missing, false)
	require.NoError(t, err)
	assert.Equal(t, missing, path)
	assert.Equal(t, config.Default(), cfg)

	_, _, err = loadConfig(missing, true)
	require.Error(t, err)

	want := config.Default()
	want.LogFormat = config.LogFormatText
	require.NoError(t, config.Save(missing, want))
	cfg, _, err = loadConfig(missing, true)
	require.NoError(t, err)
	assert.Equal(t, config.LogFormatText, cfg.LogFormat)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, loadEnv(filepath.Join(dir, ".env"), false))
	require.Error(t, loadEnv(filepath.Join(dir, ".env"), true))

	path := filepath.Join(dir, "keys.env")
	require.NoError(t, os.WriteFile(path, []byte("REDEVEN_RESEARCH_TEST_KEY=abc\n"), 0o600))
	t.Setenv("REDEVEN_RESEARCH_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("REDEVEN_RESEARCH_TEST_KEY"))
	require.NoError(t, loadEnv(path, true))
	assert.Equal(t, "abc", os.Getenv("REDEVEN_RESEARCH_TEST_KEY"))
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(&buf, "json", "debug")
	require.NoError(t, err)
	log.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(&buf, "xml", "info")
	require.Error(t, err)
	_, err = newLogger(&buf, "text", "loud")
	require.Error(t, err)
}
