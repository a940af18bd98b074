// Package script builds script-style projects into a script document and
// the assemblies that must be deployed with it.
package script

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"dmsdk/internal/ctxlog"
	"dmsdk/internal/domain"
)

// ErrDocumentNotFound is returned when a project has no <name>.xml next to it.
var ErrDocumentNotFound = errors.New("script document not found")

// Assemblies shipped with every DataMiner agent. They are never packaged.
var agentAssemblies = map[string]bool{
	"slmanagedautomation.dll":              true,
	"slmanagedscripting.dll":               true,
	"slnettypes.dll":                       true,
	"slloggerutil.dll":                     true,
	"slanalyticstypes.dll":                 true,
	"skyline.dataminer.storage.types.dll":  true,
	"qactionhelperbaseclasses.dll":         true,
	"interop.sldms.dll":                    true,
	"skyline.dataminer.dev.automation.dll": true,
}

const filesPackagePrefix = "skyline.dataminer.files."

// Compiler reads a project's script document and resolves its assembly
// references from project hint paths and the NuGet packages folder.
type Compiler struct {
	// PackagesDir is the NuGet global packages folder. When empty,
	// NUGET_PACKAGES or ~/.nuget/packages is used.
	PackagesDir string
}

type projectXML struct {
	PropertyGroups []struct {
		TargetFramework string `xml:"TargetFramework"`
	} `xml:"PropertyGroup"`
	ItemGroups []struct {
		PackageReferences []struct {
			Include string `xml:"Include,attr"`
			Version string `xml:"Version,attr"`
		} `xml:"PackageReference"`
		References []struct {
			Include  string `xml:"Include,attr"`
			HintPath string `xml:"HintPath"`
		} `xml:"Reference"`
	} `xml:"ItemGroup"`
}

// Build compiles data.Project.
func (c Compiler) Build(ctx context.Context, data domain.PackageCreationData) (domain.BuildResultItems, error) {
	p := data.Project
	logger := ctxlog.FromContext(ctx)

	docPath := filepath.Join(p.Directory, p.Name+".xml")
	doc, err := os.ReadFile(docPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.BuildResultItems{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, docPath)
		}
		return domain.BuildResultItems{}, err
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return domain.BuildResultItems{}, err
	}
	var px projectXML
	if err := xml.Unmarshal(raw, &px); err != nil {
		return domain.BuildResultItems{}, fmt.Errorf("parse project %s: %w", p.Path, err)
	}

	result := domain.BuildResultItems{Document: string(doc)}
	tfm := targetFramework(px)
	for _, ig := range px.ItemGroups {
		for _, ref := range ig.References {
			if err := ctx.Err(); err != nil {
				return domain.BuildResultItems{}, err
			}
			if ref.HintPath == "" {
				continue
			}
			abs := filepath.Clean(filepath.Join(p.Directory, filepath.FromSlash(strings.ReplaceAll(ref.HintPath, `\`, "/"))))
			name := filepath.Base(abs)
			if IsAgentAssembly(name) {
				continue
			}
			result.DllAssemblies = append(result.DllAssemblies, domain.DllAssemblyReference{
				AssemblyPath: abs,
				DllImport:    name,
			})
		}
		for _, ref := range ig.PackageReferences {
			if err := ctx.Err(); err != nil {
				return domain.BuildResultItems{}, err
			}
			id := strings.ToLower(strings.TrimSpace(ref.Include))
			version := strings.TrimSpace(ref.Version)
			if id == "" || version == "" || strings.HasPrefix(id, "skyline.dataminer.dev.") {
				continue
			}
			dlls, libDir := c.packageAssemblies(id, version, tfm)
			if len(dlls) == 0 {
				logger.Debug("no assemblies found for package reference", "package", ref.Include, "version", version, "framework", tfm)
				continue
			}
			for _, dll := range dlls {
				name := filepath.Base(dll)
				if IsAgentAssembly(name) {
					continue
				}
				if strings.HasPrefix(id, filesPackagePrefix) {
					result.DllAssemblies = append(result.DllAssemblies, domain.DllAssemblyReference{
						AssemblyPath:   dll,
						DllImport:      name,
						IsFilesPackage: true,
					})
					continue
				}
				result.Assemblies = append(result.Assemblies, domain.PackageAssemblyReference{
					AssemblyPath: dll,
					DllImport:    strings.Join([]string{id, version, "lib", libDir, name}, `\`),
				})
			}
		}
	}
	return result, nil
}

// IsAgentAssembly reports whether the named assembly is provided by the agent.
func IsAgentAssembly(name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	return agentAssemblies[strings.ToLower(path.Base(name))]
}

func (c Compiler) packagesDir() string {
	if c.PackagesDir != "" {
		return c.PackagesDir
	}
	if env := os.Getenv("NUGET_PACKAGES"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nuget", "packages")
}

// packageAssemblies returns the dlls of a restored package for the closest
// framework folder: the exact target framework, then netstandard2.0.
func (c Compiler) packageAssemblies(id, version, tfm string) ([]string, string) {
	root := c.packagesDir()
	if root == "" {
		return nil, ""
	}
	lib := filepath.Join(root, id, version, "lib")
	for _, candidate := range []string{tfm, "netstandard2.0"} {
		if candidate == "" {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(lib, candidate))
		if err != nil {
			continue
		}
		var dlls []string
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".dll") {
				dlls = append(dlls, filepath.Join(lib, candidate, e.Name()))
			}
		}
		if len(dlls) > 0 {
			sort.Strings(dlls)
			return dlls, candidate
		}
	}
	return nil, ""
}

func targetFramework(px projectXML) string {
	for _, pg := range px.PropertyGroups {
		if tfm := strings.TrimSpace(pg.TargetFramework); tfm != "" {
			return tfm
		}
	}
	return ""
}
