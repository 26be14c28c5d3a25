package procfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("procfs: not found")

// StatusInt returns the integer value of a field of /proc/<pid>/status.
func StatusInt(pid int, field string) (int, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("procfs: invalid pid %d", pid)
	}
	path := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("procfs: open %s: %w", path, err)
	}
	defer f.Close()

	v, err := ParseStatusInt(f, field)
	if err != nil {
		return 0, fmt.Errorf("procfs: %s %s: %w", path, field, err)
	}
	return v, nil
}

// ParseStatusInt finds "field:" in a status record and parses the leading
// decimal integer after it.
func ParseStatusInt(r io.Reader, field string) (int, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || name != field {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0, fmt.Errorf("empty value")
		}
		v, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, err
		}
		return v, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNotFound
}

// TracerPID returns the id of the thread tracing pid, 0 when untraced.
func TracerPID(pid int) (int, error) {
	return StatusInt(pid, "TracerPid")
}

// ProcessName returns argv[0] of pid.
func ProcessName(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("procfs: invalid pid %d", pid)
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", fmt.Errorf("procfs: read cmdline: %w", err)
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

// FindProcess returns the first pid whose argv[0] equals name.
func FindProcess(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("procfs: empty process name")
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("procfs: read /proc: %w", err)
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		if got, err := ProcessName(pid); err == nil && got == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("procfs: process %q: %w", name, ErrNotFound)
}

// ExePath resolves /proc/<pid>/exe.
func ExePath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", fmt.Errorf("procfs: readlink exe: %w", err)
	}
	return strings.TrimSuffix(path, deletedSuffix), nil
}
