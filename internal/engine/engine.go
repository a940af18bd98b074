// Package engine runs the top-level flows: package creation, catalog
// information zipping and publishing to the catalog.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"dmsdk/internal/app"
	"dmsdk/internal/appackage"
	"dmsdk/internal/assembler"
	"dmsdk/internal/catalog"
	"dmsdk/internal/config"
	"dmsdk/internal/ctxlog"
	"dmsdk/internal/domain"
	"dmsdk/internal/events"
	"dmsdk/internal/project"
	"dmsdk/internal/script"
)

var (
	ErrPublishKeyMissing  = errors.New("catalog publish key not found")
	ErrNoPublisher        = errors.New("no catalog publisher configured")
	ErrCatalogInfoMissing = errors.New("catalog information not found")
)

// Publisher registers catalog metadata and uploads package versions.
type Publisher interface {
	Register(ctx context.Context, metadataZip []byte, key string) (domain.ArtifactUploadResult, error)
	UploadVersion(ctx context.Context, pkg []byte, fileName, key, artifactID, version, description string) (domain.ArtifactUploadResult, error)
}

// Engine runs package, catalog information and publish flows for one project.
type Engine struct {
	DB         *sql.DB
	Events     events.Writer
	Compiler   assembler.Compiler
	Downloader assembler.Downloader
	Publisher  Publisher
	Now        func() time.Time
	LookupEnv  func(string) (string, bool)
}

// New returns an engine recording history in db and talking to the catalog
// through client. Either may be nil.
func New(db *sql.DB, client *catalog.Client) Engine {
	e := Engine{
		DB:        db,
		Events:    events.Writer{DB: db},
		Now:       time.Now,
		LookupEnv: os.LookupEnv,
	}
	if client != nil {
		e.Downloader = client
		e.Publisher = client
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lookupEnv(key string) (string, bool) {
	if e.LookupEnv != nil {
		return e.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

func (e Engine) compiler(s app.Settings) assembler.Compiler {
	if e.Compiler != nil {
		return e.Compiler
	}
	return script.Compiler{PackagesDir: s.NuGetPackagesDir}
}

// record appends a history event. History is best effort: failures are
// logged, never returned.
func (e Engine) record(ctx context.Context, evtType string, s app.Settings, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	e.Events.Now = e.Now
	if err := e.Events.Append(context.WithoutCancel(ctx), nil, evtType, projectName(s), s.PackageID, s.Version, payload); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to record history", "type", evtType, "error", err)
	}
}

func projectName(s app.Settings) string {
	base := filepath.Base(s.ProjectFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PackageResult describes a finished package creation.
type PackageResult struct {
	Outcome  assembler.Outcome
	Path     string
	Projects []string
	Entries  []string
	Duration time.Duration
}

// Closure loads the project at s.ProjectFile and the projects it includes.
func (e Engine) Closure(ctx context.Context, s app.Settings) (*domain.ProjectDescriptor, []*domain.ProjectDescriptor, error) {
	builder := project.NewBuilder()
	root, err := builder.Cache.Get(s.ProjectFile)
	if err != nil {
		return nil, nil, err
	}
	linked, err := builder.Closure(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	return root, linked, nil
}

// CreatePackage assembles the project into <output>/<PackageID>.<Version>.dmapp.
// Cancellation yields OutcomeCancelled with a nil error. The temporary
// workspace is removed on every path.
func (e Engine) CreatePackage(ctx context.Context, s app.Settings) (res PackageResult, err error) {
	logger := ctxlog.FromContext(ctx).With("project", projectName(s))
	start := e.now()
	res.Path = s.PackagePath()
	defer func() {
		res.Duration = e.now().Sub(start)
		logger.Info("package creation finished", "outcome", res.Outcome.String(), "duration", res.Duration.String())
	}()

	cancelled := func() (PackageResult, error) {
		res.Outcome = assembler.OutcomeCancelled
		res.Path = ""
		e.record(ctx, events.PackageCancelled, s, nil)
		return res, nil
	}
	failed := func(err error) (PackageResult, error) {
		res.Outcome = assembler.OutcomeFailed
		res.Path = ""
		e.record(ctx, events.PackageFailed, s, events.EventPayload{"error": err.Error()})
		return res, err
	}

	if ctx.Err() != nil {
		return cancelled()
	}
	root, linked, cerr := e.Closure(ctx, s)
	if cerr != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return failed(cerr)
	}
	for _, p := range linked {
		res.Projects = append(res.Projects, p.Name)
	}

	tmp := filepath.Join(os.TempDir(), "dmsdk-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return failed(err)
	}
	defer os.RemoveAll(tmp)

	data := domain.PackageCreationData{
		Project:            root,
		LinkedProjects:     linked,
		Version:            s.Version,
		MinimumDmVersion:   s.MinimumDmVersion,
		TemporaryDirectory: tmp,
	}
	if key, ok := config.LookupSecret(s.DownloadKeyName, e.lookupEnv); ok {
		data.CatalogDownloadKey = key
	}
	asm := assembler.Assembler{Compiler: e.compiler(s), Downloader: e.Downloader}
	outcome, pkg, aerr := asm.Assemble(ctxlog.WithLogger(ctx, logger), data)
	switch {
	case aerr != nil:
		return failed(aerr)
	case outcome == assembler.OutcomeCancelled:
		return cancelled()
	}

	if err := os.MkdirAll(filepath.Dir(res.Path), 0o755); err != nil {
		return failed(err)
	}
	if err := pkg.Save(ctx, res.Path); err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return failed(fmt.Errorf("write package: %w", err))
	}
	res.Outcome = assembler.OutcomeSucceeded
	res.Entries = pkg.Entries()
	logger.Info("package created", "path", res.Path, "entries", len(res.Entries))
	e.record(ctx, events.PackageCreated, s, events.EventPayload{"path": res.Path, "projects": res.Projects})
	return res, nil
}

// CreateCatalogInformation zips the project's CatalogInformation folder next
// to the package. It returns "" without error when the folder does not exist.
func (e Engine) CreateCatalogInformation(ctx context.Context, s app.Settings) (string, error) {
	logger := ctxlog.FromContext(ctx)
	start := e.now()
	defer func() {
		logger.Debug("catalog information finished", "duration", e.now().Sub(start).String())
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.CatalogInfoDir()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		logger.Debug("no CatalogInformation folder", "dir", dir)
		return "", nil
	}
	dest := s.CatalogInfoPath()
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if err := appackage.ZipDirectory(ctx, dir, f); err != nil {
		f.Close()
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	logger.Info("catalog information created", "path", dest)
	e.record(ctx, events.CatalogInfoCreated, s, events.EventPayload{"path": dest})
	return dest, nil
}

// PublishResult is the outcome of a publish.
type PublishResult struct {
	ArtifactID     string
	Version        string
	AlreadyExisted bool
}

// Publish registers the catalog information and uploads the package as a
// new version. An already uploaded version is reported, not failed.
func (e Engine) Publish(ctx context.Context, s app.Settings) (PublishResult, error) {
	logger := ctxlog.FromContext(ctx)
	start := e.now()
	defer func() {
		logger.Info("publish finished", "duration", e.now().Sub(start).String())
	}()
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	if e.Publisher == nil {
		return PublishResult{}, ErrNoPublisher
	}
	key, ok := config.LookupSecret(s.PublishKeyName, e.lookupEnv)
	if !ok {
		return PublishResult{}, fmt.Errorf("%w: set the user secret %q or the environment variable %q",
			ErrPublishKeyMissing, s.PublishKeyName, config.SecretEnvName(s.PublishKeyName))
	}

	pkgPath := s.PackagePath()
	pkg, err := os.ReadFile(pkgPath)
	if err != nil {
		return PublishResult{}, fmt.Errorf("read package: %w", err)
	}
	infoPath := s.CatalogInfoPath()
	if _, err := os.Stat(infoPath); errors.Is(err, os.ErrNotExist) {
		if _, err := e.CreateCatalogInformation(ctx, s); err != nil {
			return PublishResult{}, err
		}
	}
	info, err := os.ReadFile(infoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PublishResult{}, fmt.Errorf("%w: %s", ErrCatalogInfoMissing, infoPath)
		}
		return PublishResult{}, err
	}

	fail := func(err error) (PublishResult, error) {
		e.record(ctx, events.CatalogPublishFailed, s, events.EventPayload{"error": err.Error()})
		return PublishResult{}, err
	}
	reg, err := e.Publisher.Register(ctx, info, key)
	if err != nil {
		return fail(err)
	}
	res := PublishResult{ArtifactID: reg.ArtifactID, Version: s.Version}
	up, err := e.Publisher.UploadVersion(ctx, pkg, filepath.Base(pkgPath), key, reg.ArtifactID, s.Version, s.VersionDescription)
	var exists *catalog.VersionAlreadyExistsError
	switch {
	case errors.As(err, &exists):
		logger.Warn("version already exists in the catalog; nothing uploaded", "version", s.Version, "artifact_id", reg.ArtifactID)
		res.AlreadyExisted = true
		e.record(ctx, events.CatalogVersionExists, s, events.EventPayload{"artifact_id": res.ArtifactID})
		return res, nil
	case err != nil:
		return fail(err)
	}
	if up.ArtifactID != "" {
		res.ArtifactID = up.ArtifactID
	}
	logger.Info("published to catalog", "artifact_id", res.ArtifactID, "version", s.Version)
	e.record(ctx, events.CatalogPublished, s, events.EventPayload{"artifact_id": res.ArtifactID})
	return res, nil
}

// History returns the latest recorded events for project, oldest first.
func (e Engine) History(ctx context.Context, project string, limit int) ([]events.Event, error) {
	if e.DB == nil {
		return nil, errors.New("history database not open")
	}
	return e.Events.Tail(ctx, project, limit)
}
