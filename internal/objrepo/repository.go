// Package objrepo implements the per-batch object repository: a directory
// tree that stores every package as a versioned object addressed by its
// object id, with an inventory carrying sha512 digests of its content.
package objrepo

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/tapevault/internal/safety"
)

const (
	repoDeclaration   = "0=tapevault_objrepo_1.0"
	objectDeclaration = "0=tapevault_object_1.0"
	inventoryName     = "inventory.json"
	digestAlgorithm   = "sha512"
	headVersion       = "v1"
	contentDirectory  = "content"
	workDirName       = ".work"
)

// ErrObjectExists is returned by Import when the object is already stored.
var ErrObjectExists = errors.New("object already exists")

// Inventory is the metadata document stored at the root of each object.
type Inventory struct {
	ID               string              `json:"id"`
	Type             string              `json:"type"`
	DigestAlgorithm  string              `json:"digestAlgorithm"`
	Head             string              `json:"head"`
	ContentDirectory string              `json:"contentDirectory"`
	Manifest         map[string][]string `json:"manifest"`
	Versions         map[string]Version  `json:"versions"`
}

// Version is one entry of an inventory's version history.
type Version struct {
	Created time.Time           `json:"created"`
	Message string              `json:"message"`
	State   map[string][]string `json:"state"`
}

// Repository is an object repository rooted at a local directory.
type Repository struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens the repository at root. Imports interrupted by a
// crash are finished when their content was already moved into the
// scratch area and discarded otherwise.
func Open(root string, logger *slog.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(root, workDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating repository: %w", err)
	}

	decl := filepath.Join(root, repoDeclaration)
	if _, err := os.Stat(decl); os.IsNotExist(err) {
		if err := os.WriteFile(decl, []byte(repoDeclaration+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("writing repository declaration: %w", err)
		}
	}

	r := &Repository{root: root, logger: logger, now: time.Now}
	if err := r.recoverStaged(); err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the repository directory.
func (r *Repository) Root() string {
	return r.root
}

// Has reports whether an object with the given id is stored.
func (r *Repository) Has(id string) (bool, error) {
	dir, err := r.objectPath(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, inventoryName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Import stores src as the first version of object id and returns the path
// of the stored content. The source file is moved, not copied.
func (r *Repository) Import(id, src string) (string, error) {
	exists, err := r.Has(id)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%s: %w", id, ErrObjectExists)
	}

	stage, err := r.stage(id, src)
	if err != nil {
		return "", err
	}
	if err := r.commit(id, stage); err != nil {
		return "", err
	}
	return r.ContentPath(id)
}

// ContentPath returns the path of the head version's content file.
func (r *Repository) ContentPath(id string) (string, error) {
	dir, err := r.objectPath(id)
	if err != nil {
		return "", err
	}
	inv, err := readInventory(dir)
	if err != nil {
		return "", err
	}
	rel, err := inv.contentPath()
	if err != nil {
		return "", err
	}
	return safety.SafeJoinUnder(dir, rel)
}

// Close removes the scratch area.
func (r *Repository) Close() error {
	if err := os.RemoveAll(filepath.Join(r.root, workDirName)); err != nil {
		return fmt.Errorf("removing scratch directory: %w", err)
	}
	return nil
}

// objectPath maps an object id to its directory. The prefix is escaped
// into a single path segment and the remainder is used as nested
// directories.
func (r *Repository) objectPath(id string) (string, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", fmt.Errorf("%w: object id %q", ErrInvalidIdentifier, id)
	}
	prefix := url.PathEscape(id[:i])
	if strings.HasPrefix(prefix, ".") {
		return "", fmt.Errorf("%w: object id %q", ErrInvalidIdentifier, id)
	}
	dir, err := safety.SafeJoinUnder(r.root, prefix+"/"+id[i+1:])
	if err != nil {
		return "", fmt.Errorf("%w: object id %q: %v", ErrInvalidIdentifier, id, err)
	}
	return dir, nil
}

func (r *Repository) stagePath(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(r.root, workDirName, hex.EncodeToString(sum[:8]))
}

// stage builds the complete object in the scratch area, moving src into it
// as the last step.
func (r *Repository) stage(id, src string) (string, error) {
	digest, size, err := hashFile(src)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", src, err)
	}

	stage := r.stagePath(id)
	if err := os.RemoveAll(stage); err != nil {
		return "", fmt.Errorf("clearing stale stage: %w", err)
	}

	name := filepath.Base(src)
	contentRel := headVersion + "/" + contentDirectory + "/" + name
	if err := os.MkdirAll(filepath.Join(stage, headVersion, contentDirectory), 0o755); err != nil {
		return "", fmt.Errorf("creating stage: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stage, objectDeclaration), []byte(objectDeclaration+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing object declaration: %w", err)
	}

	inv := &Inventory{
		ID:               id,
		Type:             "tapevault-object-1.0",
		DigestAlgorithm:  digestAlgorithm,
		Head:             headVersion,
		ContentDirectory: contentDirectory,
		Manifest:         map[string][]string{digest: {contentRel}},
		Versions: map[string]Version{
			headVersion: {
				Created: r.now().UTC(),
				Message: fmt.Sprintf("import %s (%d bytes)", name, size),
				State:   map[string][]string{digest: {name}},
			},
		},
	}
	if err := writeInventory(stage, inv); err != nil {
		return "", err
	}

	if err := moveFile(src, filepath.Join(stage, filepath.FromSlash(contentRel))); err != nil {
		return "", fmt.Errorf("moving %s into repository: %w", src, err)
	}
	return stage, nil
}

// commit renames a staged object into its final place.
func (r *Repository) commit(id, stage string) error {
	dir, err := r.objectPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating object parent: %w", err)
	}
	if err := os.Rename(stage, dir); err != nil {
		return fmt.Errorf("committing object %s: %w", id, err)
	}
	r.logger.Debug("object imported", "id", id, "path", dir)
	return nil
}

func (r *Repository) recoverStaged() error {
	workDir := filepath.Join(r.root, workDirName)
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return fmt.Errorf("reading scratch directory: %w", err)
	}

	for _, e := range entries {
		stage := filepath.Join(workDir, e.Name())
		inv, err := readInventory(stage)
		if err != nil {
			r.logger.Warn("discarding incomplete stage", "stage", e.Name(), "error", err)
			_ = os.RemoveAll(stage)
			continue
		}

		rel, err := inv.contentPath()
		if err == nil {
			_, err = os.Stat(filepath.Join(stage, filepath.FromSlash(rel)))
		}
		if err != nil {
			// Content never arrived, the source is still where it was
			r.logger.Info("discarding stage without content", "id", inv.ID)
			_ = os.RemoveAll(stage)
			continue
		}

		exists, err := r.Has(inv.ID)
		if err != nil {
			return err
		}
		if exists {
			r.logger.Warn("discarding stage of an already stored object", "id", inv.ID)
			_ = os.RemoveAll(stage)
			continue
		}
		if err := r.commit(inv.ID, stage); err != nil {
			return err
		}
		r.logger.Info("finished interrupted import", "id", inv.ID)
	}
	return nil
}

func (inv *Inventory) contentPath() (string, error) {
	if inv.Head == "" {
		return "", fmt.Errorf("inventory %s has no head version", inv.ID)
	}
	digests := make([]string, 0, len(inv.Manifest))
	for d := range inv.Manifest {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	for _, d := range digests {
		for _, p := range inv.Manifest[d] {
			if strings.HasPrefix(p, inv.Head+"/") {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("inventory %s has no content for %s", inv.ID, inv.Head)
}

func readInventory(dir string) (*Inventory, error) {
	data, err := os.ReadFile(filepath.Join(dir, inventoryName))
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	return &inv, nil
}

// writeInventory writes the inventory and its digest sidecar.
func writeInventory(dir string, inv *Inventory) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling inventory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inventoryName), data, 0o644); err != nil {
		return fmt.Errorf("writing inventory: %w", err)
	}

	sum := sha512.Sum512(data)
	sidecar := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), inventoryName)
	if err := os.WriteFile(filepath.Join(dir, inventoryName+"."+digestAlgorithm), []byte(sidecar), 0o644); err != nil {
		return fmt.Errorf("writing inventory sidecar: %w", err)
	}
	return nil
}

// hashFile computes the sha512 of a file, returning hex string and size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha512.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// moveFile renames src to dst, falling back to copy and remove when the
// two are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if _, statErr := os.Stat(src); statErr != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
