package script_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dmsdk/internal/domain"
	"dmsdk/internal/project"
	"dmsdk/internal/script"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const csproj = `<Project Sdk="Skyline.DataMiner.Sdk">
  <PropertyGroup>
    <TargetFramework>net48</TargetFramework>
    <DataMinerType>AutomationScript</DataMinerType>
  </PropertyGroup>
  <ItemGroup>
    <PackageReference Include="Newtonsoft.Json" Version="13.0.3" />
    <PackageReference Include="Skyline.DataMiner.Dev.Automation" Version="10.3.0.1" />
    <PackageReference Include="Skyline.DataMiner.Files.Helpers" Version="1.0.0" />
    <PackageReference Include="Not.Restored" Version="1.0.0" />
  </ItemGroup>
  <ItemGroup>
    <Reference Include="Vendor"><HintPath>..\Dlls\Vendor.dll</HintPath></Reference>
    <Reference Include="SLManagedAutomation"><HintPath>..\Dlls\SLManagedAutomation.dll</HintPath></Reference>
    <Reference Include="System.Xml" />
  </ItemGroup>
</Project>`

func TestBuildResolvesAssemblies(t *testing.T) {
	sol := t.TempDir()
	nuget := t.TempDir()
	write(t, filepath.Join(sol, "MyScript", "MyScript.csproj"), csproj)
	write(t, filepath.Join(sol, "MyScript", "MyScript.xml"), "<DMSScript/>")
	write(t, filepath.Join(nuget, "newtonsoft.json", "13.0.3", "lib", "net45", "Newtonsoft.Json.dll"), "x")
	write(t, filepath.Join(nuget, "newtonsoft.json", "13.0.3", "lib", "netstandard2.0", "Newtonsoft.Json.dll"), "x")
	write(t, filepath.Join(nuget, "skyline.dataminer.files.helpers", "1.0.0", "lib", "net48", "Helpers.dll"), "x")

	d, err := project.Load(filepath.Join(sol, "MyScript", "MyScript.csproj"))
	require.NoError(t, err)

	items, err := script.Compiler{PackagesDir: nuget}.Build(context.Background(), domain.PackageCreationData{Project: d})
	require.NoError(t, err)
	require.Equal(t, "<DMSScript/>", items.Document)
	require.Equal(t, []domain.PackageAssemblyReference{{
		AssemblyPath: filepath.Join(nuget, "newtonsoft.json", "13.0.3", "lib", "netstandard2.0", "Newtonsoft.Json.dll"),
		DllImport:    `newtonsoft.json\13.0.3\lib\netstandard2.0\Newtonsoft.Json.dll`,
	}}, items.Assemblies)
	require.Equal(t, []domain.DllAssemblyReference{
		{AssemblyPath: filepath.Join(nuget, "skyline.dataminer.files.helpers", "1.0.0", "lib", "net48", "Helpers.dll"), DllImport: "Helpers.dll", IsFilesPackage: true},
		{AssemblyPath: filepath.Join(sol, "Dlls", "Vendor.dll"), DllImport: "Vendor.dll"},
	}, items.DllAssemblies)
}

func TestBuildMissingDocument(t *testing.T) {
	sol := t.TempDir()
	write(t, filepath.Join(sol, "S", "S.csproj"), csproj)
	d, err := project.Load(filepath.Join(sol, "S", "S.csproj"))
	require.NoError(t, err)

	_, err = script.Compiler{PackagesDir: t.TempDir()}.Build(context.Background(), domain.PackageCreationData{Project: d})
	require.ErrorIs(t, err, script.ErrDocumentNotFound)
}

func TestIsAgentAssembly(t *testing.T) {
	require.True(t, script.IsAgentAssembly(`C:\x\SLNetTypes.dll`))
	require.True(t, script.IsAgentAssembly("slmanagedautomation.dll"))
	require.False(t, script.IsAgentAssembly("Newtonsoft.Json.dll"))
}
