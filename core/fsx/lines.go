package fsx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadLines calls fn for every non-blank line of path, numbered from 1.
// A missing file reads as empty. A final line without a trailing newline is
// still delivered; it is what a torn append leaves behind.
func ReadLines(path string, fn func(lineNumber int, line []byte) error) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	// #nosec G304 -- path is validated local relative or absolute.
	file, err := os.Open(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open line file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader := bufio.NewReader(file)
	lineNumber := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			lineNumber++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				if err := fn(lineNumber, trimmed); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read line file: %w", readErr)
		}
	}
}
