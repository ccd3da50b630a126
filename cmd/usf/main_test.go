package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevoDB/usf/pkg/common/log"
	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/format"
)

func newTestApp(stdin string) (*app, *bytes.Buffer) {
	var out bytes.Buffer
	return &app{
		stdin:  strings.NewReader(stdin),
		stdout: &out,
		stderr: &bytes.Buffer{},
	}, &out
}

// runCommand runs one CLI invocation and returns its stdout
func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	a, out := newTestApp(stdin)
	err := a.run(args)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCommand(t, "", args...)
	if err != nil {
		t.Fatalf("usf %s failed: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCommandLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.usf")
	src := filepath.Join(dir, "notes.txt")
	content := strings.Repeat("the quick brown fox\n", 500)
	if err := os.WriteFile(src, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}

	out := mustRun(t, "create", "--block-size", "4096", path)
	if !strings.Contains(out, "block size 4096") {
		t.Errorf("Unexpected create output: %q", out)
	}

	out = mustRun(t, "store", path, "notes", src)
	if !strings.Contains(out, "as text") {
		t.Errorf("Expected the type to be guessed from the extension, got %q", out)
	}

	if out := mustRun(t, "retrieve", path, "notes"); out != content {
		t.Errorf("Retrieved %d bytes, expected %d", len(out), len(content))
	}

	exported := filepath.Join(dir, "out.txt")
	mustRun(t, "retrieve", "-o", exported, path, "notes")
	if data, _ := os.ReadFile(exported); string(data) != content {
		t.Error("Exported file does not match")
	}

	if _, err := runCommand(t, "raw stdin payload", "store", "--type", "binary", path, "piped", "-"); err != nil {
		t.Fatalf("Failed to store from stdin: %v", err)
	}
	if out := mustRun(t, "retrieve", path, "piped"); out != "raw stdin payload" {
		t.Errorf("Got %q, expected %q", out, "raw stdin payload")
	}

	if out := mustRun(t, "list", path); out != "notes\npiped\n" {
		t.Errorf("Unexpected list output: %q", out)
	}
	out = mustRun(t, "list", "-l", path)
	if !strings.Contains(out, "KEY") || !strings.Contains(out, "binary") {
		t.Errorf("Unexpected long list output: %q", out)
	}

	out = mustRun(t, "stat", path, "notes")
	if !strings.Contains(out, "Digest:") || !strings.Contains(out, "text") {
		t.Errorf("Unexpected stat output: %q", out)
	}
	out = mustRun(t, "stat", path)
	if !strings.Contains(out, "Block size:") || !strings.Contains(out, "loaded") {
		t.Errorf("Unexpected container stat output: %q", out)
	}

	if out := mustRun(t, "verify", path); !strings.Contains(out, "2 keys checked, 0 damaged") {
		t.Errorf("Unexpected verify output: %q", out)
	}

	mustRun(t, "delete", path, "piped")
	if _, err := runCommand(t, "", "retrieve", path, "piped"); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if out := mustRun(t, "compact", path); !strings.Contains(out, "Compacted 1 keys") {
		t.Errorf("Unexpected compact output: %q", out)
	}
}

func TestCreateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.usf")
	mustRun(t, "create", path)
	if _, err := runCommand(t, "", "create", path); !errors.Is(err, engine.ErrContainerExists) {
		t.Errorf("Expected ErrContainerExists, got %v", err)
	}
}

func TestEncryptedContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.usf")
	keyFile := filepath.Join(dir, "usf.key")

	if _, err := runCommand(t, "", "create", "--encrypt", path); !errors.Is(err, errUsage) {
		t.Errorf("Expected a usage error without --key-file, got %v", err)
	}

	mustRun(t, "create", "--encrypt", "--key-file", keyFile, path)
	if info, err := os.Stat(keyFile); err != nil || info.Size() != 32 {
		t.Fatalf("Expected a 32-byte key file, got %v %v", info, err)
	}

	if _, err := runCommand(t, "top secret", "store", "--key-file", keyFile, path, "k", "-"); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if _, err := runCommand(t, "", "list", path); !errors.Is(err, engine.ErrKeyRequired) {
		t.Errorf("Expected ErrKeyRequired, got %v", err)
	}
	if out := mustRun(t, "retrieve", "--key-file", keyFile, path, "k"); out != "top secret" {
		t.Errorf("Got %q, expected %q", out, "top secret")
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"missing key", []string{"retrieve", "x.usf"}},
		{"too many args", []string{"list", "a.usf", "b.usf"}},
		{"bad flag", []string{"list", "--nope", "a.usf"}},
		{"bad type", []string{"store", "--type", "video", "a.usf", "k", "-"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCommand(t, "", tt.args...); !errors.Is(err, errUsage) {
				t.Errorf("Expected a usage error, got %v", err)
			}
		})
	}

	if _, err := runCommand(t, "", "list", "--help"); err != nil {
		t.Errorf("Help should not be an error, got %v", err)
	}
}

func TestShellExec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shell.usf")
	e, err := engine.Create(path, engine.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer e.Close()

	var out bytes.Buffer
	sh := &shell{engine: e, out: &out}

	steps := []struct {
		line   string
		expect string
	}{
		{"STORE greeting hello  shell world", "Stored greeting"},
		{"RETRIEVE greeting", "hello  shell world"},
		{"STORE json doc {\"a\": 1}", "as json"},
		{"LIST", "2 keys found"},
		{"LIST gr", "1 keys found"},
		{"STAT doc", "Transform:"},
		{"DELETE greeting", "Key deleted"},
		{"RETRIEVE greeting", "Key not found"},
		{"VERIFY", "1 keys checked, 0 damaged"},
		{"COMPACT", "Compacted 1 keys"},
		{".stats", "Store: 2"},
		{"FROB", "Unknown command: FROB"},
		{"RETRIEVE", "requires a key"},
	}

	for _, step := range steps {
		out.Reset()
		if sh.exec(step.line) {
			t.Fatalf("%q ended the shell", step.line)
		}
		if !strings.Contains(out.String(), step.expect) {
			t.Errorf("%q: expected output containing %q, got %q", step.line, step.expect, out.String())
		}
	}

	if !sh.exec(".exit") {
		t.Error(".exit should end the shell")
	}
}

func TestRestAfterFields(t *testing.T) {
	tests := []struct {
		line     string
		n        int
		expected string
	}{
		{"STORE k hello world", 2, "hello world"},
		{"  STORE   k   spaced  out ", 2, "spaced  out "},
		{"STORE text k v", 3, "v"},
		{"STORE k", 2, ""},
	}

	for _, tt := range tests {
		if got := restAfterFields(tt.line, tt.n); got != tt.expected {
			t.Errorf("restAfterFields(%q, %d) = %q, expected %q", tt.line, tt.n, got, tt.expected)
		}
	}
}

func TestGuessType(t *testing.T) {
	tests := []struct {
		name     string
		expected format.DataType
	}{
		{"notes.TXT", format.TypeText},
		{"data.json", format.TypeJSON},
		{"photo.png", format.TypeImage},
		{"blob.bin", format.TypeBinary},
		{"-", format.TypeUnknown},
		{"archive.tar", format.TypeUnknown},
	}

	for _, tt := range tests {
		if got := guessType(tt.name); got != tt.expected {
			t.Errorf("guessType(%q) = %v, expected %v", tt.name, got, tt.expected)
		}
	}
}
