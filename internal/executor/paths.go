package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultJobsDir holds job directories when an assignment names none.
	DefaultJobsDir = "jobs"
	// StateDir holds runner-owned files inside the workspace.
	StateDir = ".hatchway-runner"

	maxNameLen = 64
)

// SafeName maps a job identifier to a directory name deterministically.
// Identifiers that had to be altered get a hash suffix so distinct
// identifiers never collide.
func SafeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == id && name != "" && name != "." && name != ".." && len(name) <= maxNameLen {
		return name
	}

	sum := sha256.Sum256([]byte(id))
	suffix := hex.EncodeToString(sum[:])[:12]
	if len(name) > maxNameLen-len(suffix)-1 {
		name = name[:maxNameLen-len(suffix)-1]
	}
	name = strings.Trim(name, ".")
	if name == "" {
		return suffix
	}
	return name + "-" + suffix
}

// JobDir returns <workspace>/<targetDir or jobs>/<SafeName(id)>. It fails
// when targetDir would leave the workspace or names a runner-owned root.
func JobDir(workspace, targetDir, id string) (string, error) {
	base := DefaultJobsDir
	if targetDir != "" {
		if filepath.IsAbs(targetDir) {
			return "", fmt.Errorf("target dir %q must be relative to the workspace", targetDir)
		}
		base = targetDir
	}

	dir := filepath.Join(workspace, base, SafeName(id))
	rel, err := filepath.Rel(workspace, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target dir %q escapes the workspace", targetDir)
	}
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if first == StateDir || (targetDir != "" && first == DefaultJobsDir) {
		return "", fmt.Errorf("target dir %q is reserved", targetDir)
	}
	return dir, nil
}

func claimFile(workspace, dir string) string {
	rel, _ := filepath.Rel(workspace, dir)
	sum := sha256.Sum256([]byte(filepath.ToSlash(rel)))
	return filepath.Join(workspace, StateDir, "claims", hex.EncodeToString(sum[:16]))
}

// ClaimDir creates an empty directory for job id at dir, or at the first
// free dir-N sibling when dir is left over from an earlier run. It fails when
// dir lies inside another job's directory. Ownership markers are kept under
// the state dir so job directories start empty. Calls must be serialized.
func ClaimDir(workspace, dir, id string) (string, error) {
	workspace = filepath.Clean(workspace)
	prefix := workspace + string(filepath.Separator)
	for p := filepath.Dir(dir); strings.HasPrefix(p, prefix); p = filepath.Dir(p) {
		if _, err := os.Stat(claimFile(workspace, p)); err != nil {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return "", fmt.Errorf("job dir %s lies inside another job's directory %s", dir, p)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	claimed := dir
	for n := 2; ; n++ {
		err := os.Mkdir(claimed, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create job dir: %w", err)
		}
		claimed = fmt.Sprintf("%s-%d", dir, n)
	}

	marker := claimFile(workspace, claimed)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return "", fmt.Errorf("record job dir: %w", err)
	}
	if err := os.WriteFile(marker, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("record job dir: %w", err)
	}
	return claimed, nil
}

// LogPath returns where a job's combined output is captured.
func LogPath(workspace, id string) string {
	return filepath.Join(workspace, StateDir, "logs", SafeName(id)+".log")
}

// CreateLog creates a new log file at path, or at the first free name-N.log
// when an earlier run with the same identifier left one behind.
func CreateLog(path string) (*os.File, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	base := strings.TrimSuffix(path, ".log")
	candidate := path
	for n := 2; ; n++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("open output log: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d.log", base, n)
	}
}
