package dbadapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/syncwarehouse/syncwarehouse/pkg/syncerr"
)

// runSubprocess runs name with argv, redirecting stderr to a sibling file
// next to errPathHint (or buffering it in memory if errPathHint is empty) and
// failing on either a non-empty stderr or a non-zero exit status — the
// dual check spec.md §6/§7 requires for every extract/load subprocess.
// Arguments are passed as argv, never interpolated into a shell string, so
// a table or column name containing shell metacharacters cannot change
// what gets executed.
func runSubprocess(ctx context.Context, kind syncerr.Kind, sourceID, table, name string, argv []string, errPathHint string, extraEnv ...string) error {
	cmd := exec.CommandContext(ctx, name, argv...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stderrFile *os.File
	var stderrBuf bytes.Buffer
	if errPathHint != "" {
		f, err := os.Create(errPathHint + ".stderr")
		if err != nil {
			return syncerr.New(kind, sourceID, table, fmt.Errorf("creating stderr capture file: %w", err))
		}
		stderrFile = f
		defer stderrFile.Close()
		cmd.Stderr = stderrFile
	} else {
		cmd.Stderr = &stderrBuf
	}

	runErr := cmd.Run()

	var stderrSize int64
	if stderrFile != nil {
		info, statErr := stderrFile.Stat()
		if statErr == nil {
			stderrSize = info.Size()
		}
	} else {
		stderrSize = int64(stderrBuf.Len())
	}

	if runErr != nil {
		return syncerr.New(kind, sourceID, table, fmt.Errorf("%s exited with error: %w", name, runErr))
	}
	if stderrSize > 0 {
		return syncerr.New(kind, sourceID, table, fmt.Errorf("%s wrote to stderr but exited 0; treating as failure", name))
	}
	return nil
}

// createOutputFile opens path for writing. Callers pass a path already
// reserved by tmpfile.New (which pre-creates an empty, world-writable
// file), so this truncates rather than exclusively creating.
func createOutputFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
}

// runSubprocessWithStdout is runSubprocess's sibling for commands whose
// result is written to stdout (the mysql client's --batch mode) rather
// than written directly to a file by the subprocess itself.
func runSubprocessWithStdout(ctx context.Context, kind syncerr.Kind, sourceID, table, name string, argv []string, stdout *os.File, errPathHint string, extraEnv ...string) error {
	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Stdout = stdout
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	stderrFile, err := os.Create(errPathHint + ".stderr")
	if err != nil {
		return syncerr.New(kind, sourceID, table, fmt.Errorf("creating stderr capture file: %w", err))
	}
	defer stderrFile.Close()
	cmd.Stderr = stderrFile

	runErr := cmd.Run()

	info, statErr := stderrFile.Stat()
	var stderrSize int64
	if statErr == nil {
		stderrSize = info.Size()
	}

	if runErr != nil {
		return syncerr.New(kind, sourceID, table, fmt.Errorf("%s exited with error: %w", name, runErr))
	}
	if stderrSize > 0 {
		return syncerr.New(kind, sourceID, table, fmt.Errorf("%s wrote to stderr but exited 0; treating as failure", name))
	}
	return nil
}
