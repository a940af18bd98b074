package assembler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsdk/internal/assembler"
	"dmsdk/internal/catalog"
	"dmsdk/internal/domain"
)

type fakeCompiler struct {
	built []string
	items map[string]domain.BuildResultItems
	err   error
}

func (f *fakeCompiler) Build(_ context.Context, data domain.PackageCreationData) (domain.BuildResultItems, error) {
	f.built = append(f.built, data.Project.Name)
	if f.err != nil {
		return domain.BuildResultItems{}, f.err
	}
	if items, ok := f.items[data.Project.Name]; ok {
		return items, nil
	}
	return domain.BuildResultItems{Document: "<DMSScript>" + data.Project.Name + "</DMSScript>"}, nil
}

type fakeDownloader struct {
	items  map[uuid.UUID]catalog.Item
	calls  int
	cancel context.CancelFunc
}

func (f *fakeDownloader) Download(_ context.Context, id domain.CatalogIdentifier, key string) (catalog.Item, error) {
	f.calls++
	if f.cancel != nil {
		f.cancel()
	}
	item, ok := f.items[id.ID]
	if !ok {
		return catalog.Item{}, &catalog.DownloadError{StatusCode: 404, Body: "not found"}
	}
	return item, nil
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func descriptor(dir, name string, typ domain.ProjectType) *domain.ProjectDescriptor {
	return &domain.ProjectDescriptor{
		Path:      filepath.Join(dir, name, name+".csproj"),
		Name:      name,
		Type:      typ,
		Directory: filepath.Join(dir, name),
	}
}

func creationData(t *testing.T, root *domain.ProjectDescriptor, linked ...*domain.ProjectDescriptor) domain.PackageCreationData {
	return domain.PackageCreationData{
		Project:            root,
		LinkedProjects:     linked,
		Version:            "1.0.0",
		MinimumDmVersion:   "10.1.0.0-9966",
		TemporaryDirectory: t.TempDir(),
		CatalogDownloadKey: "key",
	}
}

func TestAssembleScriptProject(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "MyScript", domain.AutomationScript)
	compiler := &fakeCompiler{items: map[string]domain.BuildResultItems{
		"MyScript": {
			Document: "<DMSScript/>",
			Assemblies: []domain.PackageAssemblyReference{
				{AssemblyPath: "/nuget/newtonsoft.json/13.0.3/lib/net45/Newtonsoft.Json.dll", DllImport: `newtonsoft.json\13.0.3\lib\net45\Newtonsoft.Json.dll`},
				{AssemblyPath: "", DllImport: "ignored.dll"},
			},
			DllAssemblies: []domain.DllAssemblyReference{
				{AssemblyPath: "/dlls/Vendor.dll", DllImport: "Vendor.dll"},
				{AssemblyPath: "/nuget/files/Helpers.dll", DllImport: `Helpers\Helpers.dll`, IsFilesPackage: true},
			},
		},
	}}

	outcome, pkg, err := assembler.Assembler{Compiler: compiler}.Assemble(context.Background(), creationData(t, root))
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, outcome)
	scripts := pkg.Scripts()
	require.Len(t, scripts, 1)
	assert.Equal(t, "MyScript", scripts[0].Name)
	require.Len(t, scripts[0].Assemblies, 3)
	assert.Equal(t, `C:\Skyline DataMiner\ProtocolScripts\DllImport\newtonsoft.json\13.0.3\lib\net45`, scripts[0].Assemblies[0].DestinationDir)
	assert.Equal(t, `C:\Skyline DataMiner\ProtocolScripts\DllImport`, scripts[0].Assemblies[1].DestinationDir)
	assert.Equal(t, `C:\Skyline DataMiner\Files\Helpers`, scripts[0].Assemblies[2].DestinationDir)
}

func TestAssemblePackageFoldsContent(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "MyPackage", domain.Package)
	content := filepath.Join(root.Directory, "PackageContent")
	write(t, filepath.Join(root.Directory, "MyPackage.xml"), `<DMSScript><Param type="ref">C:\Skyline DataMiner\ProtocolScripts\DllImport\lib\Helper.dll</Param></DMSScript>`)
	write(t, filepath.Join(content, "SetupContent", "setup.json"), "{}")
	write(t, filepath.Join(content, "CompanionFiles", "docs", "readme.md"), "#")
	write(t, filepath.Join(content, "LowCodeApps", "App.zip"), "app")
	write(t, filepath.Join(content, "LowCodeApps", "notes.txt"), "skip")
	write(t, filepath.Join(content, "Dashboards", "Overview.zip"), "dash")

	compiler := &fakeCompiler{}
	a := assembler.Assembler{Compiler: compiler}
	outcome, pkg, err := a.Assemble(context.Background(), creationData(t, root,
		descriptor(sol, "ScriptA", domain.AutomationScript),
		descriptor(sol, "LibB", domain.AutomationScriptLibrary),
	))
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, outcome)

	install, ok := pkg.InstallScript()
	require.True(t, ok)
	assert.Contains(t, string(install.Document), "MyPackage")
	assert.Equal(t, []string{"MyPackage", "ScriptA", "LibB"}, compiler.built)
	assert.Equal(t, []string{
		"Install.xml",
		"AppInstallContent/Scripts/ScriptA/ScriptA.xml",
		"AppInstallContent/Scripts/LibB/LibB.xml",
		"SetupContent/setup.json",
		"AppInstallContent/CompanionFiles/docs/readme.md",
		"AppInstallContent/LowCodeApps/App.zip",
		"AppInstallContent/Dashboards/Overview.zip",
	}, pkg.Entries())
}

func TestAssembleInstallScriptStripsParamDirectories(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "Pkg", domain.Package)
	write(t, filepath.Join(root.Directory, "Pkg.xml"), "placeholder")
	compiler := &fakeCompiler{items: map[string]domain.BuildResultItems{
		"Pkg": {
			Document: `<DMSScript><Exe><Param type="ref">C:\Skyline DataMiner\ProtocolScripts\DllImport\lib\Helper.dll</Param><Param type="ref">Plain.dll</Param></Exe></DMSScript>`,
			DllAssemblies: []domain.DllAssemblyReference{
				{AssemblyPath: "/dlls/Helper.dll", DllImport: `lib\Helper.dll`},
			},
		},
	}}

	_, pkg, err := assembler.Assembler{Compiler: compiler}.Assemble(context.Background(), creationData(t, root))
	require.NoError(t, err)
	install, ok := pkg.InstallScript()
	require.True(t, ok)
	assert.Equal(t, `<DMSScript><Exe><Param type="ref">Helper.dll</Param><Param type="ref">Plain.dll</Param></Exe></DMSScript>`, string(install.Document))
	require.Len(t, install.Assemblies, 1)
	assert.Equal(t, "/dlls/Helper.dll", install.Assemblies[0].Source)
}

func TestAssembleNestedPackageFails(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "Outer", domain.Package)

	for _, nested := range []domain.ProjectType{domain.Package, domain.TestPackage} {
		outcome, pkg, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(),
			creationData(t, root, descriptor(sol, "Inner", nested)))
		var gie *domain.GraphIntegrityError
		require.True(t, errors.As(err, &gie), "nested %s", nested)
		assert.Equal(t, "Outer", gie.Parent)
		assert.Equal(t, "Inner", gie.Nested)
		assert.Equal(t, nested, gie.Type)
		assert.Equal(t, assembler.OutcomeFailed, outcome)
		assert.Nil(t, pkg)
	}
}

func TestAssembleUnknownType(t *testing.T) {
	sol := t.TempDir()
	_, _, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(),
		creationData(t, descriptor(sol, "Lib", domain.Unknown)))
	require.ErrorIs(t, err, assembler.ErrUnknownProjectType)
}

const catalogRefs = `<?xml version="1.0" encoding="utf-8" ?>
<CatalogReferences xmlns="http://www.skyline.be/catalogReferences">
  <CatalogReference id="11111111-1111-1111-1111-111111111111" name="Sub App">
    <Selection><Specific>2.0.0</Specific></Selection>
  </CatalogReference>
  <CatalogReference id="22222222-2222-2222-2222-222222222222" name="Missing">
    <Selection><Specific>1.0.0</Specific></Selection>
  </CatalogReference>
  <CatalogReference id="33333333-3333-3333-3333-333333333333" name="Connector">
    <Selection><Range>[1.0.0,2.0.0)</Range></Selection>
  </CatalogReference>
</CatalogReferences>`

func TestAssembleCatalogReferencesSkipsFailedDownloads(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "Pkg", domain.Package)
	write(t, filepath.Join(root.Directory, "PackageContent", "CatalogReferences.xml"), catalogRefs)

	downloader := &fakeDownloader{items: map[uuid.UUID]catalog.Item{
		uuid.MustParse("11111111-1111-1111-1111-111111111111"): {Version: "2.0.0", Type: domain.CatalogItemDmapp, Content: []byte("dmapp")},
		uuid.MustParse("33333333-3333-3333-3333-333333333333"): {Version: "1.4.0", Type: domain.CatalogItemProtocol, Content: []byte("protocol")},
	}}
	outcome, pkg, err := assembler.Assembler{Compiler: &fakeCompiler{}, Downloader: downloader}.Assemble(context.Background(), creationData(t, root))
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, outcome)
	assert.Equal(t, 3, downloader.calls)
	assert.Equal(t, []string{
		"AppInstallContent/Packages/Sub App.2.0.0.dmapp",
		"AppInstallContent/Protocols/Connector.1.4.0.zip",
	}, pkg.Entries())
}

func TestAssembleMalformedCatalogReferencesSkipsPhase(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "Pkg", domain.Package)
	write(t, filepath.Join(root.Directory, "PackageContent", "CatalogReferences.xml"), "<CatalogReferences><broken")
	write(t, filepath.Join(root.Directory, "PackageContent", "Dashboards", "D.zip"), "d")

	downloader := &fakeDownloader{}
	outcome, pkg, err := assembler.Assembler{Compiler: &fakeCompiler{}, Downloader: downloader}.Assemble(context.Background(), creationData(t, root))
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, outcome)
	assert.Zero(t, downloader.calls)
	assert.Equal(t, []string{"AppInstallContent/Dashboards/D.zip"}, pkg.Entries())
}

func TestAssembleCancelledBetweenCatalogReferences(t *testing.T) {
	sol := t.TempDir()
	root := descriptor(sol, "Pkg", domain.Package)
	write(t, filepath.Join(root.Directory, "PackageContent", "CatalogReferences.xml"), catalogRefs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	downloader := &fakeDownloader{cancel: cancel}
	outcome, pkg, err := assembler.Assembler{Compiler: &fakeCompiler{}, Downloader: downloader}.Assemble(ctx, creationData(t, root))
	require.NoError(t, err)
	assert.Equal(t, assembler.OutcomeCancelled, outcome)
	assert.Nil(t, pkg)
	assert.Equal(t, 1, downloader.calls)
}

func TestAssembleCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	compiler := &fakeCompiler{}
	outcome, _, err := assembler.Assembler{Compiler: compiler}.Assemble(ctx, creationData(t, descriptor(t.TempDir(), "S", domain.AutomationScript)))
	require.NoError(t, err)
	assert.Equal(t, assembler.OutcomeCancelled, outcome)
	assert.Empty(t, compiler.built)
}

func testPackage(t *testing.T) *domain.ProjectDescriptor {
	return descriptor(t.TempDir(), "MyTests", domain.TestPackage)
}

func TestAssembleTestPackage(t *testing.T) {
	root := testPackage(t)
	tp := filepath.Join(root.Directory, "TestPackageContent")
	write(t, filepath.Join(tp, "TestPackagePipeline", "1.Setup.xml"), "setup")
	write(t, filepath.Join(tp, "TestPackagePipeline", "notes.md"), "notes")
	write(t, filepath.Join(tp, "Tests", "Smoke", "test.xml"), "test")
	write(t, filepath.Join(tp, "TestPackageConfig.json"), "{}")

	outcome, pkg, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(), creationData(t, root))
	require.NoError(t, err)
	require.Equal(t, assembler.OutcomeSucceeded, outcome)
	assert.Equal(t, []string{
		"TestPackageContent/TestPackagePipeline/1.Setup.xml",
		"TestPackageContent/TestPackagePipeline/notes.md",
		"TestPackageContent/Tests/Smoke/test.xml",
		"TestPackageContent/TestPackageConfig.json",
	}, pkg.Entries())
}

func TestAssembleTestPackageWithoutPipeline(t *testing.T) {
	root := testPackage(t)
	write(t, filepath.Join(root.Directory, "TestPackageContent", "Tests", "a.xml"), "a")

	outcome, _, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(), creationData(t, root))
	require.ErrorIs(t, err, assembler.ErrTestPackagePipelineMissing)
	assert.Equal(t, assembler.OutcomeFailed, outcome)
}

func TestAssembleTestPackageWithoutContent(t *testing.T) {
	root := testPackage(t)
	_, _, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(), creationData(t, root))
	require.ErrorIs(t, err, assembler.ErrTestPackageContentMissing)
}

func TestAssembleTestPackagePipelineNeedsNumberedEntry(t *testing.T) {
	root := testPackage(t)
	write(t, filepath.Join(root.Directory, "TestPackageContent", "TestPackagePipeline", "setup.xml"), "x")
	_, _, err := assembler.Assembler{Compiler: &fakeCompiler{}}.Assemble(context.Background(), creationData(t, root))
	require.ErrorIs(t, err, assembler.ErrTestPackagePipelineEmpty)
}
