package backend

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Access is the capability level checked by Verify.
type Access int

const (
	// AccessRead is read-only access to the backing file.
	AccessRead Access = iota
	// AccessReadWrite is full access to the backing file.
	AccessReadWrite
)

// String returns a human-readable access level.
func (a Access) String() string {
	if a == AccessReadWrite {
		return "readwrite"
	}
	return "read"
}

// Verdict is the outcome of a permission check.
type Verdict int

const (
	// Denied means the access level is not currently available.
	Denied Verdict = iota
	// Granted means the access level is available.
	Granted
)

// Verify checks whether the given access level is available on the backing
// file at path. It never returns an error: a denial is a normal outcome the
// caller turns into a mode transition. The check has no observable side
// effects on the file.
//
// Grants can be revoked at any time (chmod, unmount, deletion), so verdicts
// are never cached. Selection and reacquisition verify just before adopting
// a path; the file backend's read and write paths rely on their own open
// attempts as the equivalent check, mapping failures to ErrHandleLost.
func Verify(path string, access Access) Verdict {
	flag := os.O_RDONLY
	if access == AccessReadWrite {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err == nil {
		_ = f.Close()
		return Granted
	}
	if errors.Is(err, fs.ErrNotExist) {
		// The file does not exist yet. Write access then means being able
		// to create it, which requires an existing, accessible parent.
		if access == AccessRead {
			return Denied
		}
		if info, statErr := os.Stat(filepath.Dir(path)); statErr == nil && info.IsDir() {
			return Granted
		}
		return Denied
	}
	return Denied
}

// ErrCancelled is returned by a Prompter when the user dismisses the file
// selection. It is non-fatal: the engine continues in memory mode.
var ErrCancelled = errors.New("file selection cancelled")

// Prompter asks the user for a backing file. The CLI implements it with an
// interactive form; headless contexts use NoPrompter.
type Prompter interface {
	// PickFile returns the chosen file path, or ErrCancelled.
	PickFile(ctx context.Context) (string, error)
}

// NoPrompter is a Prompter that always cancels. Selecting with it degrades
// to the key-value or memory tier.
type NoPrompter struct{}

// PickFile implements Prompter.
func (NoPrompter) PickFile(ctx context.Context) (string, error) {
	return "", ErrCancelled
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context) (string, error)

// PickFile implements Prompter.
func (f PrompterFunc) PickFile(ctx context.Context) (string, error) {
	return f(ctx)
}
