package backup

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/telemetry"
)

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	tel, err := telemetry.New(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	return tel
}

// staticSecret is a fixed passphrase source.
type staticSecret string

func (s staticSecret) Secret() (string, error) {
	return string(s), nil
}

// newTestEngine lays out a data dir with an enabled module holding a
// config file and a data volume that must stay out of backups.
func newTestEngine(t *testing.T, secret SecretSource) *Engine {
	t.Helper()

	dataDir := t.TempDir()
	backupsDir := filepath.Join(t.TempDir(), "backups")

	statePath := filepath.Join(dataDir, "enabled-modules")
	state := modules.NewStateFile(statePath)
	if err := state.Save([]string{"core", "dashboard", "privacy"}); err != nil {
		t.Fatal(err)
	}

	configDir := filepath.Join(dataDir, "privacy", "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "resolv.conf"), []byte("nameserver 1.1.1.1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	volumeDir := filepath.Join(dataDir, "privacy", "config", "data")
	if err := os.MkdirAll(volumeDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(volumeDir, "huge.db"), []byte("gigabytes"), 0644); err != nil {
		t.Fatal(err)
	}

	secretFile := filepath.Join(dataDir, "secret")
	if err := os.WriteFile(secretFile, []byte("app-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	return NewEngine(backupsDir, dataDir, statePath, secretFile, state, secret, nil, testTelemetry(t))
}

// archiveNames lists the entry names inside a tar.gz file.
func archiveNames(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		names = append(names, header.Name)
	}
	return names
}

func TestCreatePlaintextArchive(t *testing.T) {
	engine := newTestEngine(t, staticSecret(""))

	archive, err := engine.Create(context.Background(), false)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if archive.Encrypted {
		t.Error("archive should be plaintext")
	}
	if !strings.HasSuffix(archive.Name, ".tar.gz") {
		t.Errorf("unexpected name %q", archive.Name)
	}
	if archive.Size == 0 {
		t.Error("archive must not be empty")
	}

	path, err := engine.Path(archive.Name)
	if err != nil {
		t.Fatalf("path failed: %v", err)
	}
	names := archiveNames(t, path)

	joined := strings.Join(names, "\n")
	if !strings.Contains(joined, "enabled-modules") {
		t.Errorf("state file missing from archive: %v", names)
	}
	if !strings.Contains(joined, "secret") {
		t.Errorf("secret file missing from archive: %v", names)
	}
	if !strings.Contains(joined, "modules/privacy/config/resolv.conf") {
		t.Errorf("module config missing from archive: %v", names)
	}
	if strings.Contains(joined, "huge.db") {
		t.Errorf("data volume leaked into archive: %v", names)
	}
}

func TestCreateEncryptedArchive(t *testing.T) {
	engine := newTestEngine(t, staticSecret("passphrase"))

	archive, err := engine.Create(context.Background(), true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !archive.Encrypted {
		t.Fatal("archive should be encrypted")
	}
	if !strings.HasSuffix(archive.Name, ".tar.gz.enc") {
		t.Errorf("unexpected name %q", archive.Name)
	}

	// The plaintext must be gone.
	plain := strings.TrimSuffix(archive.Name, ".enc")
	if _, err := os.Stat(filepath.Join(engine.backupsDir, plain)); !os.IsNotExist(err) {
		t.Error("plaintext archive must be removed after sealing")
	}
}

func TestCreateWithoutSecretFallsBackToPlaintext(t *testing.T) {
	engine := newTestEngine(t, staticSecret(""))

	archive, err := engine.Create(context.Background(), true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if archive.Encrypted {
		t.Error("no secret configured: archive must be plaintext")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	engine := newTestEngine(t, staticSecret("passphrase"))
	ctx := context.Background()

	archive, err := engine.Create(ctx, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	path, err := engine.Decrypt(ctx, archive.Name)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	defer os.Remove(path)

	names := archiveNames(t, path)
	if len(names) == 0 {
		t.Error("decrypted archive is empty")
	}
}

func TestDecryptPreconditions(t *testing.T) {
	engine := newTestEngine(t, staticSecret("passphrase"))
	ctx := context.Background()

	archive, err := engine.Create(ctx, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Plaintext name is a validation error, not a lookup.
	_, err = engine.Decrypt(ctx, strings.TrimSuffix(archive.Name, ".enc"))
	if !errdefs.IsValidation(err) {
		t.Errorf("expected validation error for plaintext name, got %v", err)
	}

	// Unknown but well-formed name.
	_, err = engine.Decrypt(ctx, "haven-backup-20200101-000000.tar.gz.enc")
	if !errdefs.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	// No secret configured.
	noSecret := NewEngine(engine.backupsDir, engine.dataDir, engine.stateFile, engine.secretFile, engine.state, staticSecret(""), nil, testTelemetry(t))
	_, err = noSecret.Decrypt(ctx, archive.Name)
	if !errdefs.IsPrecondition(err) {
		t.Errorf("expected precondition error without secret, got %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	engine := newTestEngine(t, staticSecret(""))

	bad := []string{
		"../etc/passwd",
		"/etc/passwd",
		"haven-backup-20200101-000000.tar.gz/../../x",
		"notabackup.tar.gz",
		"haven-backup-2020.tar.gz",
		"haven-backup-20200101-000000.tar.gz.enc.exe",
	}
	for _, name := range bad {
		if _, err := engine.Path(name); !errdefs.IsValidation(err) {
			t.Errorf("Path(%q) should be rejected, got %v", name, err)
		}
	}

	good := []string{
		"haven-backup-20200101-000000.tar.gz",
		"haven-backup-20200101-000000.tar.gz.enc",
	}
	for _, name := range good {
		if _, err := engine.Path(name); err != nil {
			t.Errorf("Path(%q) should be accepted, got %v", name, err)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	engine := newTestEngine(t, staticSecret(""))
	ctx := context.Background()

	if err := os.MkdirAll(engine.backupsDir, 0700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"haven-backup-20240101-120000.tar.gz",
		"haven-backup-20250601-080000.tar.gz.enc",
		"haven-backup-20230315-230000.tar.gz",
		"unrelated.txt",
	} {
		if err := os.WriteFile(filepath.Join(engine.backupsDir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	archives, err := engine.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(archives) != 3 {
		t.Fatalf("expected 3 archives, got %d", len(archives))
	}
	if archives[0].Name != "haven-backup-20250601-080000.tar.gz.enc" {
		t.Errorf("newest first: got %q", archives[0].Name)
	}
	if !archives[0].Encrypted {
		t.Error("enc suffix must mark the archive encrypted")
	}
	if archives[2].Name != "haven-backup-20230315-230000.tar.gz" {
		t.Errorf("oldest last: got %q", archives[2].Name)
	}
}

func TestPrune(t *testing.T) {
	engine := newTestEngine(t, staticSecret(""))
	ctx := context.Background()

	if err := os.MkdirAll(engine.backupsDir, 0700); err != nil {
		t.Fatal(err)
	}
	names := []string{
		"haven-backup-20240101-120000.tar.gz",
		"haven-backup-20240201-120000.tar.gz",
		"haven-backup-20240301-120000.tar.gz",
		"haven-backup-20240401-120000.tar.gz",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(engine.backupsDir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := engine.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	archives, _ := engine.List(ctx)
	if len(archives) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(archives))
	}
	if archives[1].Name != "haven-backup-20240301-120000.tar.gz" {
		t.Errorf("wrong survivors: %+v", archives)
	}

	if _, err := engine.Prune(ctx, 0); !errdefs.IsValidation(err) {
		t.Errorf("keep=0 must be rejected, got %v", err)
	}
}

func TestFileSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup-secret")

	src := NewFileSecret(path)
	secret, err := src.Secret()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if secret != "" {
		t.Errorf("missing file means no secret, got %q", secret)
	}

	if err := os.WriteFile(path, []byte("  hunter2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	secret, err = src.Secret()
	if err != nil {
		t.Fatalf("secret read failed: %v", err)
	}
	if secret != "hunter2" {
		t.Errorf("secret = %q, want trimmed value", secret)
	}
}
