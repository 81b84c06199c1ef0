// Package pidfile guards single instance processes with pid files.
package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// KillTimeout is how long KillProcess waits for the process to end.
var KillTimeout = 5 * time.Second

// Read returns the pid stored in file, 0 if there is none.
func Read(fs afero.Fs, file string) int {
	data, err := afero.ReadFile(fs, file)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsRunningProcess reports whether the process of the pid file is alive. A
// stale pid file is removed.
func IsRunningProcess(fs afero.Fs, file string) bool {
	exists, err := afero.Exists(fs, file)
	if err != nil || !exists {
		return false
	}

	pid := Read(fs, file)
	if pid != 0 && alive(pid) {
		return true
	}

	_ = fs.Remove(file)
	return false
}

// KillProcess terminates the process of the pid file. It reports whether the
// process is gone within KillTimeout.
func KillProcess(fs afero.Fs, file string) bool {
	pid := Read(fs, file)
	if pid == 0 {
		return true
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return errors.Is(err, unix.ESRCH)
	}

	deadline := time.Now().Add(KillTimeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// Create writes the current pid to file. It returns false when another
// living process owns the file.
func Create(fs afero.Fs, file string) (bool, error) {
	if IsRunningProcess(fs, file) {
		return false, nil
	}

	if err := fs.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return false, err
	}
	if err := afero.WriteFile(fs, file, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the pid file.
func Delete(fs afero.Fs, file string) error {
	err := fs.Remove(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
