package scanning

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/anstrom/edgeprobe/internal/errors"
)

const (
	scratchDirPerm  = 0o750
	scratchFilePerm = 0o600
	scratchIDLength = 8
)

// Scratch file prefixes.
const (
	PrefixScan    = "scan"
	PrefixMonitor = "monitor"
)

// Workspace is a set of uniquely named scratch paths for one invocation.
type Workspace struct {
	ID         string
	InputFile  string
	OutputFile string
	WorkDir    string
}

// NewWorkspace allocates scratch paths under dataDir and creates the work
// directory. Names look like scan_ips_1a2b3c4d.txt.
func NewWorkspace(dataDir, prefix string) (*Workspace, error) {
	if err := os.MkdirAll(dataDir, scratchDirPerm); err != nil {
		return nil, errors.WrapScanError(errors.CodeDirectoryCreate, "failed to create data directory", err)
	}

	id := uuid.NewString()[:scratchIDLength]
	ws := &Workspace{
		ID:         id,
		InputFile:  filepath.Join(dataDir, fmt.Sprintf("%s_ips_%s.txt", prefix, id)),
		OutputFile: filepath.Join(dataDir, fmt.Sprintf("%s_result_%s.csv", prefix, id)),
		WorkDir:    filepath.Join(dataDir, fmt.Sprintf("%s_work_%s", prefix, id)),
	}

	if err := os.MkdirAll(ws.WorkDir, scratchDirPerm); err != nil {
		return nil, errors.WrapScanError(errors.CodeDirectoryCreate, "failed to create work directory", err)
	}
	return ws, nil
}

// WriteInput writes one range or address per line to the input file.
func (w *Workspace) WriteInput(lines []string) error {
	f, err := os.OpenFile(w.InputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, scratchFilePerm)
	if err != nil {
		return errors.WrapScanError(errors.CodeFilePermission, "failed to create input file", err)
	}

	bw := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := bw.WriteString(line + "\n"); err != nil {
			_ = f.Close()
			return errors.WrapScanError(errors.CodeFilePermission, "failed to write input file", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return errors.WrapScanError(errors.CodeFilePermission, "failed to write input file", err)
	}
	return f.Close()
}

// Cleanup removes every scratch path. It is best effort and returns the
// number of paths that could not be removed.
func (w *Workspace) Cleanup() int {
	failed := 0
	for _, p := range []string{w.InputFile, w.OutputFile} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			failed++
		}
	}
	if err := os.RemoveAll(w.WorkDir); err != nil {
		failed++
	}
	return failed
}
