package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dmsdk/internal/app"
	"dmsdk/internal/appackage"
	"dmsdk/internal/assembler"
	"dmsdk/internal/catalog"
	"dmsdk/internal/ctxlog"
	"dmsdk/internal/db"
	"dmsdk/internal/domain"
	"dmsdk/internal/engine"
	"dmsdk/internal/events"
	"dmsdk/internal/migrate"
	"dmsdk/internal/script"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sol    string
	Pub    *fakePublisher
	Env    map[string]string
}

type fakePublisher struct {
	registered []byte
	uploaded   []byte
	fileName   string
	key        string
	version    string
	regErr     error
	uploadErr  error
}

func (f *fakePublisher) Register(_ context.Context, metadataZip []byte, key string) (domain.ArtifactUploadResult, error) {
	f.registered = metadataZip
	f.key = key
	if f.regErr != nil {
		return domain.ArtifactUploadResult{}, f.regErr
	}
	return domain.ArtifactUploadResult{ArtifactID: "artifact-1"}, nil
}

func (f *fakePublisher) UploadVersion(_ context.Context, pkg []byte, fileName, key, artifactID, version, description string) (domain.ArtifactUploadResult, error) {
	f.uploaded = pkg
	f.fileName = fileName
	f.version = version
	if f.uploadErr != nil {
		return domain.ArtifactUploadResult{}, f.uploadErr
	}
	return domain.ArtifactUploadResult{ArtifactID: artifactID}, nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pub := &fakePublisher{}
	env := map[string]string{}
	eng := engine.New(conn, nil)
	eng.Publisher = pub
	eng.Compiler = script.Compiler{PackagesDir: t.TempDir()}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.LookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return testEnv{
		Engine: eng,
		Ctx:    ctxlog.WithLogger(context.Background(), ctxlog.Discard()),
		Sol:    t.TempDir(),
		Pub:    pub,
		Env:    env,
	}
}

func (env testEnv) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(env.Sol, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func csproj(dmType, extra string) string {
	return `<Project Sdk="Skyline.DataMiner.Sdk">
  <PropertyGroup>
    <TargetFramework>net48</TargetFramework>
    <DataMinerType>` + dmType + `</DataMinerType>
  </PropertyGroup>
  <ItemGroup>` + extra + `</ItemGroup>
</Project>`
}

// seedSolution writes a package including one automation script.
func (env testEnv) seedSolution(t *testing.T) app.Settings {
	t.Helper()
	env.write(t, "Pkg/Pkg.csproj", csproj("Package", ""))
	env.write(t, "Pkg/PackageContent/ProjectReferences.xml", `<?xml version="1.0" encoding="utf-8" ?>
<ProjectReferences xmlns="http://www.skyline.be/projectReferences">
  <ProjectReference Include="..\Script\Script.csproj" />
</ProjectReferences>`)
	env.write(t, "Pkg/PackageContent/CompanionFiles/readme.txt", "hello")
	env.write(t, "Pkg/CatalogInformation/manifest.yml", "id: 00000000-0000-0000-0000-000000000001\nname: Pkg\ntype: dmapp\n")
	env.write(t, "Script/Script.csproj", csproj("AutomationScript", `<Reference Include="Vendor"><HintPath>..\libs\Vendor.dll</HintPath></Reference>`))
	env.write(t, "Script/Script.xml", "<DMSScript/>")
	env.write(t, "libs/Vendor.dll", "dll")

	s, _, err := app.ResolveSettings(filepath.Join(env.Sol, "Pkg"), app.Overrides{Version: "1.2.0"})
	require.NoError(t, err)
	return s
}

func TestCreatePackage(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)

	res, err := env.Engine.CreatePackage(env.Ctx, s)
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, res.Outcome)
	require.Equal(t, filepath.Join(env.Sol, "Pkg", "bin", "Release", "Pkg.1.2.0.dmapp"), res.Path)
	require.Equal(t, []string{"Script"}, res.Projects)
	require.Contains(t, res.Entries, "AppInstallContent/Scripts/Script/Script.xml")
	require.Contains(t, res.Entries, "AppInstallContent/Assemblies/ProtocolScripts/DllImport/Vendor.dll")
	require.Contains(t, res.Entries, "AppInstallContent/CompanionFiles/readme.txt")

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	files, err := appackage.ReadEntries(data)
	require.NoError(t, err)
	require.Contains(t, files, "AppInfo.xml")
	require.Equal(t, "<DMSScript/>", string(files["AppInstallContent/Scripts/Script/Script.xml"]))

	history, err := env.Engine.History(env.Ctx, "Pkg", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, events.PackageCreated, history[0].Type)
	require.Equal(t, "1.2.0", history[0].Version)
}

func TestCreatePackageCancelled(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()

	res, err := env.Engine.CreatePackage(ctx, s)
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeCancelled, res.Outcome)
	require.Empty(t, res.Path)
	_, statErr := os.Stat(s.PackagePath())
	require.True(t, os.IsNotExist(statErr))

	history, err := env.Engine.History(env.Ctx, "Pkg", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, events.PackageCancelled, history[0].Type)
}

func TestCreatePackageRejectsNestedPackage(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)
	env.write(t, "Other/Other.csproj", csproj("Package", ""))
	env.write(t, "Pkg/PackageContent/ProjectReferences.xml", `<?xml version="1.0" encoding="utf-8" ?>
<ProjectReferences xmlns="http://www.skyline.be/projectReferences">
  <ProjectReference Include="..\*\*.csproj" />
</ProjectReferences>`)

	res, err := env.Engine.CreatePackage(env.Ctx, s)
	var nested *domain.GraphIntegrityError
	require.ErrorAs(t, err, &nested)
	require.Equal(t, "Other", nested.Nested)
	require.Equal(t, assembler.OutcomeFailed, res.Outcome)

	history, err := env.Engine.History(env.Ctx, "Pkg", 10)
	require.NoError(t, err)
	require.Equal(t, events.PackageFailed, history[len(history)-1].Type)
}

func TestCreateCatalogInformation(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)
	require.NoError(t, os.MkdirAll(s.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(s.CatalogInfoPath(), []byte("stale"), 0o644))

	path, err := env.Engine.CreateCatalogInformation(env.Ctx, s)
	require.NoError(t, err)
	require.Equal(t, s.CatalogInfoPath(), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	files, err := appackage.ReadEntries(data)
	require.NoError(t, err)
	require.Contains(t, files, "manifest.yml")

	require.NoError(t, os.RemoveAll(s.CatalogInfoDir()))
	path, err = env.Engine.CreateCatalogInformation(env.Ctx, s)
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestPublish(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)
	_, err := env.Engine.CreatePackage(env.Ctx, s)
	require.NoError(t, err)

	_, err = env.Engine.Publish(env.Ctx, s)
	require.ErrorIs(t, err, engine.ErrPublishKeyMissing)
	require.Contains(t, err.Error(), "skyline:sdk:dataminertoken")
	require.Contains(t, err.Error(), "skyline__sdk__dataminertoken")

	env.Env["skyline__sdk__dataminertoken"] = "org-key"
	res, err := env.Engine.Publish(env.Ctx, s)
	require.NoError(t, err)
	require.Equal(t, "artifact-1", res.ArtifactID)
	require.False(t, res.AlreadyExisted)
	require.Equal(t, "org-key", env.Pub.key)
	require.Equal(t, "Pkg.1.2.0.dmapp", env.Pub.fileName)
	require.Equal(t, "1.2.0", env.Pub.version)
	require.NotEmpty(t, env.Pub.registered)
	require.FileExists(t, s.CatalogInfoPath())

	env.Pub.uploadErr = &catalog.VersionAlreadyExistsError{Version: "1.2.0"}
	res, err = env.Engine.Publish(env.Ctx, s)
	require.NoError(t, err)
	require.True(t, res.AlreadyExisted)

	env.Pub.uploadErr = nil
	env.Pub.regErr = &catalog.AuthenticationError{StatusCode: 401}
	_, err = env.Engine.Publish(env.Ctx, s)
	var authErr *catalog.AuthenticationError
	require.True(t, errors.As(err, &authErr))

	history, err := env.Engine.History(env.Ctx, "Pkg", 10)
	require.NoError(t, err)
	var types []string
	for _, h := range history {
		types = append(types, h.Type)
	}
	require.Equal(t, []string{
		events.PackageCreated,
		events.CatalogInfoCreated,
		events.CatalogPublished,
		events.CatalogVersionExists,
		events.CatalogPublishFailed,
	}, types)
}

func TestPublishWithoutCatalogInformation(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSolution(t)
	require.NoError(t, os.RemoveAll(s.CatalogInfoDir()))
	_, err := env.Engine.CreatePackage(env.Ctx, s)
	require.NoError(t, err)
	env.Env["skyline:sdk:dataminertoken"] = "org-key"

	_, err = env.Engine.Publish(env.Ctx, s)
	require.ErrorIs(t, err, engine.ErrCatalogInfoMissing)
}
