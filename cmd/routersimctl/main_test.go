package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "gnmi_port: 50099\ninterfaces:\n  - name: eth0\n    addr: 10.0.0.1\n    mask: 24\n    mtu: 1500\n    bandwidth_bps: 1000000000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStatusSucceedsOnValidConfig(t *testing.T) {
	path := writeTestConfig(t)
	stdout, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	stderr, err := os.CreateTemp(t.TempDir(), "err")
	require.NoError(t, err)

	code := runMain([]string{"status", "-config", path}, stdout, stderr)
	require.Equal(t, exitOK, code)
}

func TestMissingSubcommandReturnsUsageError(t *testing.T) {
	stdout, _ := os.CreateTemp(t.TempDir(), "out")
	stderr, _ := os.CreateTemp(t.TempDir(), "err")

	code := runMain(nil, stdout, stderr)
	require.Equal(t, exitUsage, code)
}

func TestUnreadableConfigReturnsConfigError(t *testing.T) {
	stdout, _ := os.CreateTemp(t.TempDir(), "out")
	stderr, _ := os.CreateTemp(t.TempDir(), "err")

	code := runMain([]string{"status", "-config", "/nonexistent/path.yaml"}, stdout, stderr)
	require.Equal(t, exitConfigError, code)
}

func TestShowRoutesListsConnectedRoute(t *testing.T) {
	path := writeTestConfig(t)
	stdout, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	stderr, err := os.CreateTemp(t.TempDir(), "err")
	require.NoError(t, err)

	code := runMain([]string{"show", "routes", "-config", path}, stdout, stderr)
	require.Equal(t, exitOK, code)

	out, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	require.Contains(t, string(out), "10.0.0.0/24")
	require.Contains(t, string(out), "Connected")
}

func TestClearCountersUnknownInterfaceReturnsGenericError(t *testing.T) {
	path := writeTestConfig(t)
	stdout, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	stderr, err := os.CreateTemp(t.TempDir(), "err")
	require.NoError(t, err)

	code := runMain([]string{"clear", "counters", "nonexistent", "-config", path}, stdout, stderr)
	require.Equal(t, exitGeneric, code)
}
