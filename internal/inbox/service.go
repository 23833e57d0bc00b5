// Package inbox registers packages dropped into the inbox and turns inbox
// activity into accumulation checks.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/tapevault/internal/objrepo"
	"github.com/BadgerOps/tapevault/internal/safety"
	"github.com/BadgerOps/tapevault/internal/store"
)

// ErrRejected is returned when a package was moved to the dead-letter
// directory because its metadata is unusable.
var ErrRejected = errors.New("item rejected")

// errorSuffix names the artifact written next to a dead-lettered package.
const errorSuffix = ".error.txt"

// Notifier is told that the ready volume may have changed.
type Notifier interface {
	ItemReady(ctx context.Context) error
}

// Request describes a validated package sitting in the inbox.
type Request struct {
	Path           string `json:"path"` // absolute, or relative to the inbox
	DatasetID      string `json:"dataset_id"`
	DatasetVersion string `json:"dataset_version"`
	BagID          string `json:"bag_id"`
	NBN            string `json:"nbn,omitempty"`
}

// Service records inbox packages as items.
type Service struct {
	store         *store.Store
	inboxDir      string
	deadLetterDir string
	notifier      Notifier
	logger        *slog.Logger
}

// NewService creates the inbox and dead-letter directories if needed.
func NewService(st *store.Store, inboxDir, deadLetterDir string, n Notifier, logger *slog.Logger) (*Service, error) {
	for _, dir := range []string{inboxDir, deadLetterDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Service{
		store:         st,
		inboxDir:      inboxDir,
		deadLetterDir: deadLetterDir,
		notifier:      n,
		logger:        logger,
	}, nil
}

// InboxDir returns the watched directory.
func (s *Service) InboxDir() string { return s.inboxDir }

// Register records the package named by req as a READY item. A package
// with bad metadata is dead-lettered and recorded as REJECTED; the returned
// error then wraps ErrRejected. A package whose dataset version already has
// an item in flight is left where it is and store.ErrDuplicateItem is
// returned. The accumulator is notified once the package has been handled.
func (s *Service) Register(ctx context.Context, req Request) (*store.Item, error) {
	path := req.Path
	if path == "" {
		return nil, errors.New("package path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.inboxDir, path)
	}
	path, err := safety.EnsureUnderRoot(s.inboxDir, path)
	if err != nil {
		return nil, fmt.Errorf("package must be inside the inbox: %w", err)
	}
	if filepath.Dir(path) != filepath.Clean(mustAbs(s.inboxDir)) {
		return nil, fmt.Errorf("package %s is not at the top of the inbox", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("package %s is not a regular file", path)
	}

	defer s.notify(ctx)

	if verr := validate(req); verr != nil {
		it, err := s.reject(req, path, info.Size(), verr)
		if err != nil {
			return nil, err
		}
		return it, fmt.Errorf("%w: %v", ErrRejected, verr)
	}

	sum, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	it := &store.Item{
		DatasetID:      req.DatasetID,
		DatasetVersion: req.DatasetVersion,
		Path:           path,
		Checksum:       sum,
		Size:           info.Size(),
		BagID:          req.BagID,
		NBN:            req.NBN,
		Status:         store.ItemReady,
	}
	if err := s.store.CreateItem(it); err != nil {
		return nil, err
	}
	s.logger.Info("item registered",
		"item", it.ID,
		"dataset", it.DatasetID,
		"version", it.DatasetVersion,
		"size", it.Size,
	)
	return it, nil
}

func (s *Service) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ItemReady(ctx); err != nil {
		s.logger.Error("accumulation check failed", "error", err)
	}
}

func validate(req Request) error {
	var problems []string
	if strings.TrimSpace(req.DatasetID) == "" {
		problems = append(problems, "dataset id is empty")
	}
	if strings.TrimSpace(req.DatasetVersion) == "" {
		problems = append(problems, "dataset version is empty")
	}
	if _, err := objrepo.DeriveObjectID(req.BagID); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// reject moves the package to the dead-letter directory, writes the error
// artifact next to it and records a REJECTED item.
func (s *Service) reject(req Request, path string, size int64, cause error) (*store.Item, error) {
	dst, err := safety.UniquePath(s.deadLetterDir, filepath.Base(path), errorSuffix)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(path, dst); err != nil {
		return nil, fmt.Errorf("dead-lettering %s: %w", path, err)
	}

	report := fmt.Sprintf(
		"time: %s\noriginal path: %s\ndataset: %s\nversion: %s\nbag id: %s\nerror: %s\n",
		time.Now().UTC().Format(time.RFC3339), path, req.DatasetID, req.DatasetVersion, req.BagID, cause,
	)
	if err := os.WriteFile(dst+errorSuffix, []byte(report), 0o644); err != nil {
		s.logger.Error("writing error artifact failed", "path", dst+errorSuffix, "error", err)
	}

	it := &store.Item{
		DatasetID:      req.DatasetID,
		DatasetVersion: req.DatasetVersion,
		Path:           dst,
		Size:           size,
		BagID:          req.BagID,
		NBN:            req.NBN,
		Status:         store.ItemRejected,
		ErrorMessage:   cause.Error(),
	}
	if err := s.store.CreateItem(it); err != nil {
		return nil, err
	}
	s.logger.Warn("item rejected", "item", it.ID, "path", dst, "reason", cause)
	return it, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
