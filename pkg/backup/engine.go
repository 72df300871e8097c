package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// archivePrefix and namePattern define the only file names the engine
// will ever create or touch inside the backups directory.
const archivePrefix = "haven-backup-"

const timestampLayout = "20060102-150405"

var namePattern = regexp.MustCompile(`^haven-backup-\d{8}-\d{6}\.tar\.gz(\.enc)?$`)

// decryptTTL is how long a decrypted archive stays on disk before it is
// removed, whether or not anyone downloaded it.
const decryptTTL = 10 * time.Minute

// SecretSource supplies the backup passphrase. An empty secret means
// encryption is not configured.
type SecretSource interface {
	Secret() (string, error)
}

// FileSecret reads the passphrase from a file, trimming surrounding
// whitespace. A missing file is an unconfigured secret, not an error.
type FileSecret struct {
	path string
}

// NewFileSecret creates a file-backed secret source.
func NewFileSecret(path string) *FileSecret {
	return &FileSecret{path: path}
}

// Secret implements SecretSource.
func (f *FileSecret) Secret() (string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errdefs.NewInternal("read backup secret", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Archive describes one backup on disk.
type Archive struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
}

// Engine creates, lists, decrypts and prunes backups. Creation is
// serialized through a single-slot gate: concurrent callers queue
// rather than race over the same timestamped file names.
type Engine struct {
	backupsDir string
	dataDir    string
	stateFile  string
	secretFile string
	state      *modules.StateFile
	secret     SecretSource
	audit      modules.AuditSink

	gate   chan struct{}
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewEngine creates a backup engine. audit may be nil.
func NewEngine(backupsDir, dataDir, stateFile, secretFile string, state *modules.StateFile, secret SecretSource, audit modules.AuditSink, tel *telemetry.Telemetry) *Engine {
	return &Engine{
		backupsDir: backupsDir,
		dataDir:    dataDir,
		stateFile:  stateFile,
		secretFile: secretFile,
		state:      state,
		secret:     secret,
		audit:      audit,
		gate:       make(chan struct{}, 1),
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("backup"),
	}
}

// Create writes a new backup of the enabled-set file, the secret file
// and every enabled module's config directory. When encrypt is set and
// a passphrase is configured the archive is sealed and the plaintext
// removed; on a sealing failure the plaintext archive is kept so the
// backup itself is never lost.
func (e *Engine) Create(ctx context.Context, encrypt bool) (*Archive, error) {
	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.gate }()

	ctx, span := e.tel.Tracer.StartBackupSpan(ctx, "create")
	defer span.End()
	timer := telemetry.NewTimer()

	name := archivePrefix + time.Now().UTC().Format(timestampLayout) + ".tar.gz"
	plainPath := filepath.Join(e.backupsDir, name)

	if err := e.writePlaintext(ctx, plainPath); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	secret, err := e.secret.Secret()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	resultPath, encrypted := plainPath, false
	if encrypt && secret != "" {
		encPath := plainPath + ".enc"
		if err := e.seal(plainPath, encPath, secret); err != nil {
			// The plaintext archive stays: a failed seal must not cost
			// the backup.
			e.logger.WithBackup(name).WithError(err).Error("archive encryption failed, plaintext retained")
			telemetry.RecordError(span, err)
			return nil, err
		}
		if err := os.Remove(plainPath); err != nil {
			e.logger.WithBackup(name).WithError(err).Warn("plaintext archive removal failed")
		}
		resultPath, encrypted = encPath, true
	}

	info, err := os.Stat(resultPath)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, errdefs.NewInternal("stat archive", err)
	}

	archive := &Archive{
		Name:      filepath.Base(resultPath),
		CreatedAt: info.ModTime().UTC(),
		Size:      info.Size(),
		Encrypted: encrypted,
	}

	e.tel.Metrics.RecordBackupCreated(encrypted, timer.Duration())
	e.recordAudit(ctx, "backup.create", archive.Name, fmt.Sprintf("size=%d encrypted=%t", archive.Size, encrypted))
	e.logger.WithBackup(archive.Name).Infof("backup created (%d bytes)", archive.Size)
	telemetry.RecordSuccess(span)
	return archive, nil
}

// writePlaintext archives the control-plane state into path via a temp
// file and rename.
func (e *Engine) writePlaintext(ctx context.Context, path string) error {
	if err := os.MkdirAll(e.backupsDir, 0700); err != nil {
		return errdefs.NewInternal("create backups directory", err)
	}

	roots := []root{
		{Path: e.stateFile, Name: "enabled-modules"},
		{Path: e.secretFile, Name: "secret"},
	}
	enabled, err := e.state.Load()
	if err != nil {
		return err
	}
	for _, id := range enabled {
		roots = append(roots, root{
			Path: filepath.Join(e.dataDir, id, "config"),
			Name: filepath.Join("modules", id, "config"),
		})
	}

	tmp, err := os.CreateTemp(e.backupsDir, ".haven-backup-*")
	if err != nil {
		return errdefs.NewInternal("create archive temp file", err)
	}
	tmpName := tmp.Name()

	if err := writeArchive(tmp, roots); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("close archive", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errdefs.NewInternal("rename archive", err)
	}
	return nil
}

// seal encrypts src to dst through a temp file, removing the partial
// output on failure.
func (e *Engine) seal(src, dst, secret string) error {
	tmp := dst + ".tmp"
	if err := encryptFile(src, tmp, secret); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errdefs.NewInternal("rename encrypted archive", err)
	}
	return nil
}

// List returns all backups, newest first.
func (e *Engine) List(ctx context.Context) ([]Archive, error) {
	entries, err := os.ReadDir(e.backupsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.NewInternal("read backups directory", err)
	}

	var out []Archive
	for _, entry := range entries {
		if entry.IsDir() || !namePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Archive{
			Name:      entry.Name(),
			CreatedAt: archiveTime(entry.Name(), info.ModTime()),
			Size:      info.Size(),
			Encrypted: strings.HasSuffix(entry.Name(), ".enc"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Path validates an archive name and returns its on-disk path. The name
// must be a bare, pattern-conforming file name: anything else, path
// separators included, is rejected before the filesystem is consulted.
func (e *Engine) Path(name string) (string, error) {
	if name != filepath.Base(name) || !namePattern.MatchString(name) {
		return "", errdefs.NewValidation("invalid backup name", nil).
			WithResource(name).
			WithCode(errdefs.ErrCodeBadBackupName)
	}
	return filepath.Join(e.backupsDir, name), nil
}

// Decrypt opens an encrypted archive into a temporary plaintext file
// and returns its path. The plaintext is deleted after a fixed window
// regardless of whether it was consumed.
func (e *Engine) Decrypt(ctx context.Context, name string) (string, error) {
	ctx, span := e.tel.Tracer.StartBackupSpan(ctx, "decrypt")
	defer span.End()

	if !strings.HasSuffix(name, ".enc") {
		err := errdefs.NewValidation("archive is not encrypted", nil).
			WithResource(name).
			WithCode(errdefs.ErrCodeBadBackupName)
		telemetry.RecordError(span, err)
		return "", err
	}
	src, err := e.Path(name)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		notFound := errdefs.NewNotFound("no such backup", err).WithResource(name)
		telemetry.RecordError(span, notFound)
		return "", notFound
	}

	secret, err := e.secret.Secret()
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	if secret == "" {
		err := errdefs.NewPrecondition("no backup secret configured", nil).
			WithCode(errdefs.ErrCodeNoSecret)
		telemetry.RecordError(span, err)
		return "", err
	}

	tmp, err := os.CreateTemp(e.backupsDir, ".restore-*.tar.gz")
	if err != nil {
		telemetry.RecordError(span, err)
		return "", errdefs.NewInternal("create restore temp file", err)
	}
	dst := tmp.Name()
	tmp.Close()

	if err := decryptFile(src, dst, secret); err != nil {
		os.Remove(dst)
		telemetry.RecordError(span, err)
		return "", err
	}

	time.AfterFunc(decryptTTL, func() {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			e.logger.WithBackup(name).WithError(err).Warn("restore temp file removal failed")
		}
	})

	e.recordAudit(ctx, "backup.decrypt", name, "")
	e.logger.WithBackup(name).Info("backup decrypted")
	telemetry.RecordSuccess(span)
	return dst, nil
}

// Prune removes the oldest backups beyond keep. A non-positive keep is
// rejected: pruning everything is never what the caller meant.
func (e *Engine) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, errdefs.NewValidation("keep must be positive", nil)
	}

	archives, err := e.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= keep {
		return 0, nil
	}

	removed := 0
	for _, archive := range archives[keep:] {
		path, err := e.Path(archive.Name)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.WithBackup(archive.Name).WithError(err).Warn("prune failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		e.recordAudit(ctx, "backup.prune", "", fmt.Sprintf("removed=%d keep=%d", removed, keep))
		e.logger.Infof("pruned %d backups", removed)
	}
	return removed, nil
}

func archiveTime(name string, fallback time.Time) time.Time {
	stamp := strings.TrimPrefix(name, archivePrefix)
	if idx := strings.Index(stamp, ".tar.gz"); idx > 0 {
		stamp = stamp[:idx]
	}
	if t, err := time.ParseInLocation(timestampLayout, stamp, time.UTC); err == nil {
		return t
	}
	return fallback.UTC()
}

func (e *Engine) recordAudit(ctx context.Context, action, target, details string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordAction(ctx, action, target, details); err != nil {
		e.logger.WithError(err).Warn("audit record failed")
	}
}
