// Package vault talks to the tape-backed remote store that batches are
// archived into.
package vault

import (
	"context"
	"fmt"
	"strings"
)

// FileState is a migration state code reported by the tape system.
type FileState string

const (
	StateRegular      FileState = "REG" // disk only
	StateMigrating    FileState = "MIG" // being copied to tape
	StateUnmigrating  FileState = "UNM" // being recalled from tape
	StateDual         FileState = "DUL" // on disk and tape
	StateOffline      FileState = "OFL" // tape only
	StatePartial      FileState = "PAR"
	StateNonMigrating FileState = "NMG"
	StateInvalid      FileState = "INV"
	StateUnknown      FileState = "UNK"
)

// ParseFileState maps a state code to a FileState. Unrecognised codes map
// to StateUnknown.
func ParseFileState(code string) FileState {
	switch s := FileState(strings.ToUpper(strings.TrimSpace(code))); s {
	case StateRegular, StateMigrating, StateUnmigrating, StateDual, StateOffline,
		StatePartial, StateNonMigrating, StateInvalid:
		return s
	default:
		return StateUnknown
	}
}

// OnTape reports whether the file has a copy on tape.
func (s FileState) OnTape() bool {
	return s == StateDual || s == StateOffline
}

// FileStatus is the migration state of one remote file.
type FileStatus struct {
	Path  string    `json:"path"`
	State FileState `json:"state"`
}

// Checksum is the checksum record of one part of a remote package.
type Checksum struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Vault is a remote store addressed by target paths.
type Vault interface {
	// Target returns the remote address of the package for a batch.
	Target(batchID string) string
	// Create transfers localDir to target as a new package.
	Create(ctx context.Context, localDir, target string) error
	// Verify checks that target exists and is intact.
	Verify(ctx context.Context, target string) error
	// Delete removes the package at target.
	Delete(ctx context.Context, target string) error
	// ListStatus returns the migration state of every file of target.
	ListStatus(ctx context.Context, target string) ([]FileStatus, error)
	// Checksums returns the per-part checksums of target.
	Checksums(ctx context.Context, target string) ([]Checksum, error)
}

// AllOnTape reports whether a listing is non-empty and every file in it is
// dual-resident or tape-only.
func AllOnTape(files []FileStatus) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !f.State.OnTape() {
			return false
		}
	}
	return true
}

// CommandError is returned when a remote command exits with a failure.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d): %v: %s", e.Command, e.ExitCode, e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
