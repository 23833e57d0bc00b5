package vault

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/tapevault/internal/safety"
)

const dirManifestName = "manifest.json"

// DirOptions configures the directory vault.
type DirOptions struct {
	Root        string
	Extension   string
	SplitSize   int64
	Compression string // "zstd" or "xz"
	// MigrateAfter is how long a package reports REG before it is
	// considered written to tape.
	MigrateAfter time.Duration
}

// DirManifest describes a package written by the directory vault.
type DirManifest struct {
	Version     string            `json:"version"`
	BatchTarget string            `json:"target"`
	Created     time.Time         `json:"created"`
	Compression string            `json:"compression"`
	TotalFiles  int               `json:"total_files"`
	TotalSize   int64             `json:"total_size"`
	Parts       []DirManifestPart `json:"parts"`
}

// DirManifestPart is one split archive of a package.
type DirManifestPart struct {
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	SHA256 string   `json:"sha256"`
	Files  []string `json:"files"`
}

// Dir is a vault backed by a local or mounted directory. Each package is a
// directory of numbered split tar archives with .sha256 sidecars and a
// JSON manifest.
type Dir struct {
	opts   DirOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewDir creates a directory vault.
func NewDir(opts DirOptions, logger *slog.Logger) (*Dir, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	if opts.SplitSize <= 0 {
		return nil, fmt.Errorf("split size must be positive")
	}
	switch opts.Compression {
	case "":
		opts.Compression = "zstd"
	case "zstd", "xz":
	default:
		return nil, fmt.Errorf("unsupported compression %q", opts.Compression)
	}
	if opts.Extension == "" {
		opts.Extension = "pkg"
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}
	return &Dir{opts: opts, logger: logger, now: time.Now}, nil
}

// Target implements Vault.
func (d *Dir) Target(batchID string) string {
	return filepath.Join(d.opts.Root, batchID+"."+d.opts.Extension)
}

// resolve checks that target lies inside the vault root.
func (d *Dir) resolve(target string) (string, error) {
	return safety.EnsureUnderRoot(d.opts.Root, target)
}

type dirEntry struct {
	rel  string
	abs  string
	size int64
}

// Create implements Vault. The package is assembled next to the target and
// renamed into place once complete.
func (d *Dir) Create(ctx context.Context, localDir, target string) error {
	dst, err := d.resolve(target)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("package %s already exists", target)
	}

	var files []dirEntry
	err = filepath.WalkDir(localDir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		files = append(files, dirEntry{rel: filepath.ToSlash(rel), abs: p, size: info.Size()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", localDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("nothing to archive in %s", localDir)
	}

	tmp := dst + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clearing partial package: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("creating package directory: %w", err)
	}

	manifest, err := d.writeParts(ctx, tmp, files)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	manifest.BatchTarget = filepath.Base(dst)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, dirManifestName), data, 0o644); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("committing package: %w", err)
	}

	d.logger.Info("package written",
		"target", dst,
		"parts", len(manifest.Parts),
		"files", manifest.TotalFiles,
		"size", humanize.Bytes(uint64(manifest.TotalSize)),
	)
	return nil
}

// writeParts packs files into split archives, rolling to a new part when
// the next file would exceed the split size. A single large file still
// goes into a part of its own.
func (d *Dir) writeParts(ctx context.Context, dir string, files []dirEntry) (*DirManifest, error) {
	manifest := &DirManifest{
		Version:     "1.0",
		Created:     d.now().UTC(),
		Compression: d.opts.Compression,
	}

	var (
		pw          *partWriter
		currentSize int64
	)
	closePart := func() error {
		if pw == nil {
			return nil
		}
		part, err := pw.close()
		pw = nil
		if err != nil {
			return err
		}
		manifest.Parts = append(manifest.Parts, *part)
		return nil
	}
	openPart := func() error {
		name := fmt.Sprintf("%04d.tar.%s", len(manifest.Parts), d.suffix())
		var err error
		pw, err = newPartWriter(filepath.Join(dir, name), d.opts.Compression)
		currentSize = 0
		return err
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			if pw != nil {
				_, _ = pw.close()
			}
			return nil, ctx.Err()
		default:
		}

		if pw != nil && currentSize > 0 && currentSize+f.size > d.opts.SplitSize {
			if err := closePart(); err != nil {
				return nil, err
			}
		}
		if pw == nil {
			if err := openPart(); err != nil {
				return nil, err
			}
		}
		if err := pw.add(f.abs, f.rel); err != nil {
			_, _ = pw.close()
			return nil, fmt.Errorf("adding %s: %w", f.rel, err)
		}
		currentSize += f.size
		manifest.TotalFiles++
		manifest.TotalSize += f.size
	}
	if err := closePart(); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (d *Dir) suffix() string {
	if d.opts.Compression == "xz" {
		return "xz"
	}
	return "zst"
}

func (d *Dir) readManifest(target string) (string, *DirManifest, error) {
	dst, err := d.resolve(target)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(filepath.Join(dst, dirManifestName))
	if err != nil {
		return "", nil, fmt.Errorf("reading manifest of %s: %w", target, err)
	}
	var m DirManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("parsing manifest of %s: %w", target, err)
	}
	return dst, &m, nil
}

// Verify implements Vault by rehashing every part against the manifest
// and its sidecar.
func (d *Dir) Verify(ctx context.Context, target string) error {
	dst, m, err := d.readManifest(target)
	if err != nil {
		return err
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("package %s has no parts", target)
	}

	for _, p := range m.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		partPath := filepath.Join(dst, p.Name)
		actual, _, err := hashFile(partPath)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", p.Name, err)
		}
		if actual != p.SHA256 {
			return fmt.Errorf("%s: expected sha256 %s, got %s", p.Name, p.SHA256, actual)
		}

		sidecar, err := os.ReadFile(partPath + ".sha256")
		if err != nil {
			return fmt.Errorf("reading sidecar of %s: %w", p.Name, err)
		}
		fields := strings.Fields(string(sidecar))
		if len(fields) == 0 || fields[0] != actual {
			return fmt.Errorf("%s: sidecar does not match content", p.Name)
		}
	}
	return nil
}

// Delete implements Vault.
func (d *Dir) Delete(ctx context.Context, target string) error {
	dst, err := d.resolve(target)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("deleting %s: %w", target, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("deleting %s: %w", target, err)
	}
	return nil
}

// ListStatus implements Vault. Files report REG until MigrateAfter has
// passed since the package was written, DUL afterwards.
func (d *Dir) ListStatus(ctx context.Context, target string) ([]FileStatus, error) {
	dst, m, err := d.readManifest(target)
	if err != nil {
		return nil, err
	}

	state := StateRegular
	if d.now().Sub(m.Created) >= d.opts.MigrateAfter {
		state = StateDual
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", target, err)
	}
	files := make([]FileStatus, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, FileStatus{Path: filepath.Join(dst, e.Name()), State: state})
	}
	return files, nil
}

// Checksums implements Vault.
func (d *Dir) Checksums(ctx context.Context, target string) ([]Checksum, error) {
	_, m, err := d.readManifest(target)
	if err != nil {
		return nil, err
	}
	sums := make([]Checksum, 0, len(m.Parts))
	for _, p := range m.Parts {
		sums = append(sums, Checksum{Name: p.Name, Algorithm: "SHA-256", Value: p.SHA256})
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].Name < sums[j].Name })
	for i := range sums {
		sums[i].Index = i
	}
	return sums, nil
}

// partWriter writes one compressed tar part.
type partWriter struct {
	path  string
	file  *os.File
	comp  io.WriteCloser
	tw    *tar.Writer
	files []string
}

func newPartWriter(path, compression string) (*partWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating part %s: %w", filepath.Base(path), err)
	}

	var comp io.WriteCloser
	switch compression {
	case "xz":
		comp, err = xz.NewWriter(f)
	default:
		comp, err = zstd.NewWriter(f)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("creating %s writer: %w", compression, err)
	}
	return &partWriter{path: path, file: f, comp: comp, tw: tar.NewWriter(comp)}, nil
}

func (w *partWriter) add(src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    name,
		Size:    stat.Size(),
		Mode:    int64(stat.Mode().Perm()),
		ModTime: stat.ModTime(),
	}
	if err := w.tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(w.tw, f); err != nil {
		return err
	}
	w.files = append(w.files, name)
	return nil
}

// close flushes the part, hashes it and writes its .sha256 sidecar.
func (w *partWriter) close() (*DirManifestPart, error) {
	if err := w.tw.Close(); err != nil {
		_ = w.comp.Close()
		_ = w.file.Close()
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := w.comp.Close(); err != nil {
		_ = w.file.Close()
		return nil, fmt.Errorf("closing compressor: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("closing part: %w", err)
	}

	hash, size, err := hashFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("hashing part: %w", err)
	}
	name := filepath.Base(w.path)
	content := fmt.Sprintf("%s  %s\n", hash, name)
	if err := os.WriteFile(w.path+".sha256", []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing sha256 sidecar: %w", err)
	}
	return &DirManifestPart{Name: name, Size: size, SHA256: hash, Files: w.files}, nil
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
