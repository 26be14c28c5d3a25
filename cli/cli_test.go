package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires linux")
	}
}

func self() string { return fmt.Sprint(os.Getpid()) }

func TestNoTarget(t *testing.T) {
	_, _, err := runCLI(t, "maps")
	require.ErrorContains(t, err, "no target")
}

func TestInvalidFlags(t *testing.T) {
	_, _, err := runCLI(t, "--pid", self(), "--backend", "dma", "maps")
	require.Error(t, err)

	_, _, err = runCLI(t, "--pid", self(), "--log-format", "xml", "maps")
	require.Error(t, err)
}

func TestMaps(t *testing.T) {
	requireLinux(t)
	out, _, err := runCLI(t, "--pid", self(), "maps", "[stack]")
	require.NoError(t, err)
	assert.Contains(t, out, "[stack]")
}

func TestReadWriteScan(t *testing.T) {
	requireLinux(t)
	buf := []byte("memkit cli test \xde\xad\xbe\xef buffer\x00")
	addr := fmt.Sprintf("%#x", uintptr(unsafe.Pointer(&buf[0])))
	end := fmt.Sprintf("%#x", uintptr(unsafe.Pointer(&buf[0]))+uintptr(len(buf)))

	out, _, err := runCLI(t, "--pid", self(), "read", addr, "16")
	require.NoError(t, err)
	assert.Contains(t, out, "memkit cli test")

	out, _, err = runCLI(t, "--pid", self(), "read", "--string", addr, "64")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "memkit cli test"))

	out, _, err = runCLI(t, "--pid", self(), "scan", addr, end, "DE AD ? EF")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%#x\n", uintptr(unsafe.Pointer(&buf[16]))), out)

	_, _, err = runCLI(t, "--pid", self(), "write", addr, "4d454d4b")
	require.NoError(t, err)
	assert.Equal(t, "MEMKit cli test", string(buf[:15]))

	_, _, err = runCLI(t, "--pid", self(), "--backend", "procmem", "write", "--patch", addr, "6d656d6b")
	require.NoError(t, err)
	assert.Equal(t, "memkit cli test", string(buf[:15]))

	runtime.KeepAlive(buf)
}

func TestConfigFileAndOverride(t *testing.T) {
	requireLinux(t)
	path := filepath.Join(t.TempDir(), "memkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target:\n  pid: 999999999\nbackend: procmem\n"), 0o600))

	// the pid in the file does not exist
	_, _, err := runCLI(t, "--config", path, "maps")
	require.Error(t, err)

	out, _, err := runCLI(t, "--config", path, "--pid", self(), "maps", "[stack]")
	require.NoError(t, err)
	assert.Contains(t, out, "[stack]")
}

func TestParseAddress(t *testing.T) {
	v, err := parseAddress("0x1000")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), v)

	v, err = parseAddress("42")
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), v)

	_, err = parseAddress("zz")
	require.Error(t, err)
}
