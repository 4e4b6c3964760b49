package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxInt = int(^uint(0) >> 1)

// ErrLockTimeout is returned when another writer holds the append lock past
// the configured timeout.
var ErrLockTimeout = errors.New("append lock timeout")

// LockOptions bounds how long an appender waits for the sibling ".lock" file.
type LockOptions struct {
	Timeout    time.Duration
	Retry      time.Duration
	StaleAfter time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:    10 * time.Second,
		Retry:      5 * time.Millisecond,
		StaleAfter: 2 * time.Minute,
	}
}

func (o LockOptions) normalized() LockOptions {
	defaults := DefaultLockOptions()
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	if o.Retry <= 0 {
		o.Retry = defaults.Retry
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaults.StaleAfter
	}
	return o
}

// AppendLineLocked appends one line with the default lock options.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	return AppendLineLockedWith(path, line, mode, DefaultLockOptions())
}

// AppendLineLockedWith appends line plus a trailing newline under a
// cross-process lock and fsyncs the file before returning. line must not
// itself contain a newline.
func AppendLineLockedWith(path string, line []byte, mode os.FileMode, options LockOptions) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	for _, b := range line {
		if b == '\n' {
			return fmt.Errorf("append line contains a newline")
		}
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}
	payloadCapacity, err := appendPayloadCapacity(len(line))
	if err != nil {
		return err
	}
	payload := make([]byte, 0, payloadCapacity)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	if err := withAppendFileLock(cleanPath, options.normalized(), func() error {
		// #nosec G304 -- append path is validated local relative or absolute.
		file, openErr := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if openErr != nil {
			return fmt.Errorf("open append file: %w", openErr)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, writeErr := file.Write(payload); writeErr != nil {
			return fmt.Errorf("append file line: %w", writeErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return fmt.Errorf("sync append file: %w", syncErr)
		}
		return nil
	}); err != nil {
		return err
	}

	if parent != "." && parent != "" {
		syncDirectory(parent)
	}
	return nil
}

func appendPayloadCapacity(lineLength int) (int, error) {
	if lineLength < 0 {
		return 0, fmt.Errorf("line length must be >= 0")
	}
	if lineLength >= maxInt {
		return 0, fmt.Errorf("line length exceeds maximum supported size")
	}
	return lineLength + 1, nil
}

func withAppendFileLock(path string, options LockOptions, fn func() error) error {
	lockPath := path + ".lock"
	deadline := time.Now().Add(options.Timeout)
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !isAppendLockContention(err, lockPath) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if lockIsStale(lockPath, time.Now().UTC(), options.StaleAfter) {
			_ = os.Remove(lockPath)
			continue
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(options.Retry)
	}
}

func isAppendLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func lockIsStale(lockPath string, now time.Time, staleAfter time.Duration) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > staleAfter
}

func validateLocalOrAbsolutePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) {
		return cleanPath, nil
	}
	if strings.HasPrefix(cleanPath, string(filepath.Separator)) {
		return cleanPath, nil
	}
	if volume := filepath.VolumeName(cleanPath); volume != "" && strings.HasPrefix(cleanPath, volume+string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from a validated append path.
	handle, err := os.Open(path)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}
