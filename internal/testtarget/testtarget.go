// Package testtarget builds and runs the helper process used by live tests.
package testtarget

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/sliverarmory/memkit/procfs"
)

// Exported symbols of testdata/c/target.c.
const (
	IdentitySymbol    = "memkit_identity"
	IdentityValue     = 0x1337
	WeightedSumSymbol = "memkit_weighted_sum"
	CounterSymbol     = "memkit_counter"
)

var (
	buildOnce sync.Once
	buildPath string
	buildErr  error
)

func sourcePath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "testdata", "c", "target.c")
}

// Build compiles the target once per test binary and skips the test when no
// C compiler is available.
func Build(t testing.TB) string {
	t.Helper()

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "memkit-target-*")
		if err != nil {
			buildErr = err
			return
		}
		out := filepath.Join(dir, "target-"+runtime.GOARCH)
		buildPath, buildErr = compile(out)
	})
	if buildErr != nil {
		t.Skipf("build test target: %v", buildErr)
	}
	return buildPath
}

func compile(out string) (string, error) {
	src := sourcePath()
	args := []string{"-O1", "-g0", "-rdynamic", "-o", out, src}

	var failures []string
	for _, cc := range []string{"cc", "gcc", "clang"} {
		if _, err := exec.LookPath(cc); err != nil {
			continue
		}
		cmd := exec.Command(cc, args...)
		output, err := cmd.CombinedOutput()
		if err == nil {
			return out, nil
		}
		failures = append(failures, cc+": "+err.Error()+"\n"+string(output))
	}

	if _, err := exec.LookPath("zig"); err == nil {
		zigArgs := []string{"cc"}
		if target, ok := zigTargetFor(runtime.GOARCH); ok {
			zigArgs = append(zigArgs, "-target", target)
		}
		cmd := exec.Command("zig", append(zigArgs, args...)...)
		cmd.Env = overrideEnv(os.Environ(), map[string]string{
			"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "memkit-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "memkit-zig-local-cache"),
		})
		output, err := cmd.CombinedOutput()
		if err == nil {
			return out, nil
		}
		failures = append(failures, "zig cc: "+err.Error()+"\n"+string(output))
	}

	if len(failures) == 0 {
		return "", errors.New("no C compiler found in PATH")
	}
	return "", errors.New(strings.Join(failures, "\n"))
}

func zigTargetFor(goarch string) (string, bool) {
	switch goarch {
	case "386":
		return "x86-linux-gnu", true
	case "amd64":
		return "x86_64-linux-gnu", true
	case "arm":
		return "arm-linux-gnueabihf", true
	case "arm64":
		return "aarch64-linux-gnu", true
	default:
		return "", false
	}
}

func overrideEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := overrides[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}

// Start runs the target and waits until it is ready. The process is killed
// when the test ends.
func Start(t testing.TB) *exec.Cmd {
	t.Helper()

	path := Build(t)
	cmd := exec.Command(path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ready" {
		t.Fatalf("target did not become ready: %q %v", line, err)
	}
	return cmd
}

// MappedBase returns the start and path of the first file mapping at offset 0
// whose path satisfies match. It skips the test when none is found.
func MappedBase(t testing.TB, pid int, match func(path string) bool) (uintptr, string) {
	t.Helper()

	maps, err := procfs.Maps(pid)
	if err != nil {
		t.Fatalf("read maps of %d: %v", pid, err)
	}
	for _, m := range procfs.Filter(maps, match) {
		if m.Offset == 0 {
			return m.Start, m.Path
		}
	}
	t.Skipf("no matching mapping in pid %d", pid)
	return 0, ""
}

// IsLibc matches glibc and musl library paths.
func IsLibc(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "libc.so") || strings.HasPrefix(base, "libc-") || strings.HasPrefix(base, "ld-musl")
}
