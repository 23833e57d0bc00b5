package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	name string
	args []string
}

// fakeRunner records commands and replies from a table keyed by the
// command name.
type fakeRunner struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	return []byte(f.outputs[name]), f.errs[name]
}

func newTestDMF(r Runner) *DMF {
	return NewDMF(DMFOptions{
		User: "archive",
		Host: "tape.example.org",
		Root: "/dmf/vault",
	}, r, testLogger())
}

func TestDMFTarget(t *testing.T) {
	d := newTestDMF(&fakeRunner{})
	if got := d.Target("b1"); got != "/dmf/vault/b1.dmftar" {
		t.Errorf("Target() = %q", got)
	}
}

func TestDMFCommands(t *testing.T) {
	r := &fakeRunner{}
	d := newTestDMF(r)
	ctx := context.Background()
	target := d.Target("b1")

	if err := d.Create(ctx, "/work/b1/repo", target); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := d.Verify(ctx, target); err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if err := d.Delete(ctx, target); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	want := []string{
		"dmftar -c -f archive@tape.example.org:/dmf/vault/b1.dmftar -C /work/b1/repo .",
		"dmftar --verify -f archive@tape.example.org:/dmf/vault/b1.dmftar",
		"dmftar --delete-archive -f archive@tape.example.org:/dmf/vault/b1.dmftar",
	}
	if len(r.calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(r.calls), len(want))
	}
	for i, c := range r.calls {
		got := c.name + " " + strings.Join(c.args, " ")
		if got != want[i] {
			t.Errorf("call %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestDMFCreateFailure(t *testing.T) {
	cerr := &CommandError{Command: "dmftar -c", ExitCode: 2, Output: "no space", Err: errors.New("exit status 2")}
	r := &fakeRunner{errs: map[string]error{"dmftar": cerr}}
	d := newTestDMF(r)

	err := d.Create(context.Background(), "/work/b1/repo", d.Target("b1"))
	var got *CommandError
	if !errors.As(err, &got) {
		t.Fatalf("Create() error = %v, want CommandError", err)
	}
	if got.ExitCode != 2 || !strings.Contains(err.Error(), "no space") {
		t.Errorf("Create() error = %v", err)
	}
}

func TestDMFListStatus(t *testing.T) {
	listing := `/dmf/vault/b1.dmftar:
total 8
drwxr-xr-x  2 archive archive     4096 2024-05-01 10:00 0000
-rw-r--r--  1 archive archive      312 2024-05-01 10:00 (DUL) manifest

/dmf/vault/b1.dmftar/0000:
-rw-r--r--  1 archive archive 10485760 2024-05-01 10:00 (OFL) 0000.tar
-rw-r--r--  1 archive archive       90 2024-05-01 10:00 (MIG) 0000.chksum
`
	r := &fakeRunner{outputs: map[string]string{"ssh": listing}}
	d := newTestDMF(r)

	files, err := d.ListStatus(context.Background(), d.Target("b1"))
	if err != nil {
		t.Fatalf("ListStatus() failed: %v", err)
	}

	want := []FileStatus{
		{Path: "/dmf/vault/b1.dmftar/manifest", State: StateDual},
		{Path: "/dmf/vault/b1.dmftar/0000/0000.tar", State: StateOffline},
		{Path: "/dmf/vault/b1.dmftar/0000/0000.chksum", State: StateMigrating},
	}
	if len(files) != len(want) {
		t.Fatalf("ListStatus() = %+v, want %+v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("file %d = %+v, want %+v", i, files[i], want[i])
		}
	}
	if AllOnTape(files) {
		t.Error("AllOnTape() = true with a migrating file")
	}

	args := r.calls[0].args
	if args[len(args)-1] != "dmls -lR '/dmf/vault/b1.dmftar'" {
		t.Errorf("remote command = %q", args[len(args)-1])
	}
}

func TestParseDMLSKeepsUnrecognisedLines(t *testing.T) {
	listing := `/dmf/vault/b2.dmftar:
-rw-r--r--  1 archive archive 10485760 2024-05-01 10:00 (DUL) 0000.tar
dmls: cannot access /dmf/vault/b2.dmftar/0001.tar: Stale file handle
-rw-r--r--  1 archive archive       90 2024-05-01 10:00 (OFL) 0000.chksum
`
	files := ParseDMLS([]byte(listing), "/dmf/vault/b2.dmftar")
	if len(files) != 3 {
		t.Fatalf("ParseDMLS() = %+v, want 3 entries", files)
	}
	if files[1].State != StateUnknown || !strings.HasPrefix(files[1].Path, "dmls: cannot access") {
		t.Errorf("diagnostic line = %+v, want StateUnknown", files[1])
	}
	if AllOnTape(files) {
		t.Error("AllOnTape() = true for a listing with a diagnostic line")
	}
}

func TestParseChecksums(t *testing.T) {
	out := `# generated by dmftar
SHA256 (0001.tar) = 4B227777D4DD1FC61C6F884F48641D02B4D121D3FD328CB08B5531FCACDABF8A
e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  0000.tar
d41d8cd98f00b204e9800998ecf8427e *0002.tar
0000.tar is not a checksum line
`
	sums := ParseChecksums([]byte(out), "SHA-256")

	want := []Checksum{
		{Index: 0, Name: "0000.tar", Algorithm: "SHA-256", Value: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{Index: 1, Name: "0001.tar", Algorithm: "SHA256", Value: "4b227777d4dd1fc61c6f884f48641d02b4d121d3fd328cb08b5531fcacdabf8a"},
		{Index: 2, Name: "0002.tar", Algorithm: "MD5", Value: "d41d8cd98f00b204e9800998ecf8427e"},
	}
	if len(sums) != len(want) {
		t.Fatalf("ParseChecksums() = %+v, want %+v", sums, want)
	}
	for i := range want {
		if sums[i] != want[i] {
			t.Errorf("checksum %d = %+v, want %+v", i, sums[i], want[i])
		}
	}
}

func TestDMFChecksumsEmpty(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"ssh": "\n"}}
	d := newTestDMF(r)
	if _, err := d.Checksums(context.Background(), d.Target("b1")); err == nil {
		t.Error("Checksums() with empty output succeeded, want error")
	}
}

func TestParseFileState(t *testing.T) {
	tests := map[string]FileState{
		"DUL": StateDual,
		"ofl": StateOffline,
		"REG": StateRegular,
		"XYZ": StateUnknown,
		"":    StateUnknown,
	}
	for code, want := range tests {
		if got := ParseFileState(code); got != want {
			t.Errorf("ParseFileState(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestAllOnTape(t *testing.T) {
	tests := []struct {
		name  string
		files []FileStatus
		want  bool
	}{
		{"empty listing", nil, false},
		{"all dual", []FileStatus{{State: StateDual}, {State: StateDual}}, true},
		{"dual and offline", []FileStatus{{State: StateDual}, {State: StateOffline}}, true},
		{"one regular among many offline", []FileStatus{
			{State: StateOffline}, {State: StateOffline}, {State: StateOffline}, {State: StateRegular},
		}, false},
		{"unmigrating", []FileStatus{{State: StateUnmigrating}}, false},
		{"unknown", []FileStatus{{State: StateUnknown}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllOnTape(tt.files); got != tt.want {
				t.Errorf("AllOnTape() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecRunnerExitCode(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo broken; exit 3")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want CommandError", err)
	}
	if cerr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cerr.ExitCode)
	}
	if !strings.Contains(cerr.Output, "broken") {
		t.Errorf("Output = %q", cerr.Output)
	}
}

func TestExecRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ExecRunner{}.Run(ctx, "sleep", "5")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
