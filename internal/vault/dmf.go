package vault

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Runner runs an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. Cancelling the context kills the
// process.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return out, nil
	}

	cerr := &CommandError{
		Command:  strings.TrimSpace(name + " " + firstArg(args)),
		ExitCode: -1,
		Output:   string(out),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		cerr.Err = ctx.Err()
	}
	return out, cerr
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// DMFOptions configures the DMF vault.
type DMFOptions struct {
	User          string
	Host          string
	Root          string
	Extension     string
	DmftarBinary  string
	SSHBinary     string
	DmlsBinary    string
	ChecksumGlob  string
	DefaultDigest string
}

// DMF stores packages on a DMF managed tape file system. Packages are
// written with dmftar from the local host; status and checksum queries run
// on the remote host over ssh.
type DMF struct {
	opts   DMFOptions
	runner Runner
	logger *slog.Logger
}

// NewDMF creates a DMF vault. A nil runner uses ExecRunner.
func NewDMF(opts DMFOptions, runner Runner, logger *slog.Logger) *DMF {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Extension == "" {
		opts.Extension = "dmftar"
	}
	if opts.DmftarBinary == "" {
		opts.DmftarBinary = "dmftar"
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.DmlsBinary == "" {
		opts.DmlsBinary = "dmls"
	}
	if opts.ChecksumGlob == "" {
		opts.ChecksumGlob = "*/*.chksum"
	}
	return &DMF{opts: opts, runner: runner, logger: logger}
}

// Target implements Vault.
func (d *DMF) Target(batchID string) string {
	return path.Join(d.opts.Root, batchID+"."+d.opts.Extension)
}

func (d *DMF) host() string {
	if d.opts.User == "" {
		return d.opts.Host
	}
	return d.opts.User + "@" + d.opts.Host
}

func (d *DMF) remote(target string) string {
	return d.host() + ":" + target
}

// Create implements Vault.
func (d *DMF) Create(ctx context.Context, localDir, target string) error {
	d.logger.Info("creating remote package", "source", localDir, "target", target)
	_, err := d.runner.Run(ctx, d.opts.DmftarBinary, "-c", "-f", d.remote(target), "-C", localDir, ".")
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	return nil
}

// Verify implements Vault.
func (d *DMF) Verify(ctx context.Context, target string) error {
	if _, err := d.runner.Run(ctx, d.opts.DmftarBinary, "--verify", "-f", d.remote(target)); err != nil {
		return fmt.Errorf("verifying %s: %w", target, err)
	}
	return nil
}

// Delete implements Vault.
func (d *DMF) Delete(ctx context.Context, target string) error {
	if _, err := d.runner.Run(ctx, d.opts.DmftarBinary, "--delete-archive", "-f", d.remote(target)); err != nil {
		return fmt.Errorf("deleting %s: %w", target, err)
	}
	return nil
}

// ListStatus implements Vault.
func (d *DMF) ListStatus(ctx context.Context, target string) ([]FileStatus, error) {
	out, err := d.ssh(ctx, d.opts.DmlsBinary+" -lR "+shellQuote(target))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", target, err)
	}
	return ParseDMLS(out, target), nil
}

// Checksums implements Vault.
func (d *DMF) Checksums(ctx context.Context, target string) ([]Checksum, error) {
	out, err := d.ssh(ctx, "cat "+shellQuote(target)+"/"+d.opts.ChecksumGlob)
	if err != nil {
		return nil, fmt.Errorf("reading checksums of %s: %w", target, err)
	}
	sums := ParseChecksums(out, d.opts.DefaultDigest)
	if len(sums) == 0 {
		return nil, fmt.Errorf("no checksums found for %s", target)
	}
	return sums, nil
}

func (d *DMF) ssh(ctx context.Context, command string) ([]byte, error) {
	return d.runner.Run(ctx, d.opts.SSHBinary, "-o", "BatchMode=yes", d.host(), command)
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	dmlsEntry = regexp.MustCompile(`\((\w{3})\)\s+(.+)$`)
	dmlsDir   = regexp.MustCompile(`^d[rwxsStT-]{9}[.+@]?\s`)
)

// ParseDMLS parses recursive `dmls -l` output. Each regular file line
// carries its migration state in parentheses before the file name:
//
//	-rw-r--r--  1 arch arch 10485760 2024-05-01 10:00 (DUL) 0000.tar
//
// Directory headers of the recursive listing are joined onto file names.
// Directories, totals and blank lines are skipped. Any other line without a
// state is kept as StateUnknown so a listing with diagnostics never reads as
// fully migrated.
func ParseDMLS(out []byte, root string) []FileStatus {
	var files []FileStatus
	dir := root

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "total "):
			continue
		case strings.HasSuffix(line, ":") && !strings.Contains(line, " "):
			dir = strings.TrimSuffix(line, ":")
			continue
		case dmlsDir.MatchString(line):
			continue
		}

		m := dmlsEntry.FindStringSubmatch(line)
		if m == nil {
			files = append(files, FileStatus{Path: line, State: StateUnknown})
			continue
		}
		name := m[2]
		if !strings.HasPrefix(name, "/") {
			name = path.Join(dir, name)
		}
		files = append(files, FileStatus{Path: name, State: ParseFileState(m[1])})
	}
	return files
}

var (
	bsdChecksum = regexp.MustCompile(`^([A-Za-z0-9-]+)\s*\((.+)\)\s*=\s*([0-9a-fA-F]+)$`)
	gnuChecksum = regexp.MustCompile(`^([0-9a-fA-F]+)\s+\*?(.+)$`)
)

// ParseChecksums parses checksum listings in GNU (`hex  name`) or BSD
// (`ALG (name) = hex`) format. GNU lines carry no algorithm, so it is
// inferred from the digest length, falling back to defaultAlgorithm.
// Records are ordered by name and numbered from 0.
func ParseChecksums(out []byte, defaultAlgorithm string) []Checksum {
	var sums []Checksum
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var c Checksum
		if m := bsdChecksum.FindStringSubmatch(line); m != nil {
			c = Checksum{Algorithm: strings.ToUpper(m[1]), Name: m[2], Value: strings.ToLower(m[3])}
		} else if m := gnuChecksum.FindStringSubmatch(line); m != nil {
			c = Checksum{Algorithm: algorithmForLength(len(m[1]), defaultAlgorithm), Name: m[2], Value: strings.ToLower(m[1])}
		} else {
			continue
		}
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		sums = append(sums, c)
	}

	sort.Slice(sums, func(i, j int) bool { return sums[i].Name < sums[j].Name })
	for i := range sums {
		sums[i].Index = i
	}
	return sums
}

func algorithmForLength(n int, fallback string) string {
	switch n {
	case 32:
		return "MD5"
	case 40:
		return "SHA-1"
	case 64:
		return "SHA-256"
	case 128:
		return "SHA-512"
	}
	if fallback == "" {
		return "UNKNOWN"
	}
	return fallback
}
