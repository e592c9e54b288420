// Package tmpfile creates the transient extract files described in
// spec.md §3 (ExtractFile) and §6 ("TMPDIR overrides the temp directory
// explicitly, since the runtime default may pick non-world-writable
// locations, which breaks bulk loaders running under a different OS
// user").
package tmpfile

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Dir returns the directory new extract/chunk files should be created in:
// $TMPDIR if set, otherwise the OS default temp directory.
func Dir() string {
	if d := os.Getenv("TMPDIR"); d != "" {
		return d
	}
	return os.TempDir()
}

// New creates a new, uniquely named, world-writable temp file under Dir()
// for the given target table, and returns its path. The caller owns the
// file and is responsible for deleting it (spec.md: "ExtractFile... owned
// by one Action; deleted after successful load").
func New(targetTable string) (string, error) {
	name := fmt.Sprintf("syncwarehouse-%s-%s", targetTable, uuid.NewString())
	path := Dir() + string(os.PathSeparator) + name
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		return "", fmt.Errorf("creating extract file: %w", err)
	}
	// World-writable: some bulk loaders run the server-side process under a
	// different OS user than this one, and 0o666 alone is subject to umask.
	if err := f.Chmod(0o666); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("chmod extract file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing extract file: %w", err)
	}
	return path, nil
}

// ChunkName returns the on-disk name of the nth (0-indexed) chunk derived
// from an extract file, used by the pipeline's split step.
func ChunkName(extractFile string, n int) string {
	return fmt.Sprintf("%s.chunk%04d", extractFile, n)
}

// Remove deletes a path if it exists, swallowing a not-exist error. It is
// used on every exit path of the pipeline (extract file, chunk files),
// matching spec.md §4.3 step 5 ("Delete the original extract file on all
// exit paths").
func Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
