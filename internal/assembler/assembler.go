// Package assembler folds a project and its build closure into one
// application package.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"dmsdk/internal/appackage"
	"dmsdk/internal/catalog"
	"dmsdk/internal/ctxlog"
	"dmsdk/internal/domain"
	"dmsdk/internal/pattern"
)

// Outcome is the result of an assembly that did not fail.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSucceeded
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

var (
	ErrUnknownProjectType         = errors.New("unknown DataMinerType")
	ErrTestPackageContentMissing  = errors.New("TestPackageContent folder is missing")
	ErrTestPackagePipelineMissing = errors.New("TestPackageContent/TestPackagePipeline folder is missing")
	ErrTestPackagePipelineEmpty   = errors.New("TestPackagePipeline must contain at least one entry starting with a number")

	errNoCompiler               = errors.New("no script compiler configured")
	errTemporaryDirectoryNotSet = errors.New("temporary directory is required to download catalog references")
)

var (
	pipelineEntry = regexp.MustCompile(`^[0-9]`)
	paramValue    = regexp.MustCompile(`(?s)(<Param\b[^>]*>)([^<]*)(</Param>)`)
)

// Compiler builds a script-style project.
type Compiler interface {
	Build(ctx context.Context, data domain.PackageCreationData) (domain.BuildResultItems, error)
}

// Downloader fetches a catalog item.
type Downloader interface {
	Download(ctx context.Context, identifier domain.CatalogIdentifier, key string) (catalog.Item, error)
}

// Assembler turns PackageCreationData into an application package.
type Assembler struct {
	Compiler   Compiler
	Downloader Downloader
}

// Assemble builds the package for data.Project. A cancelled context yields
// OutcomeCancelled and a nil error.
func (a Assembler) Assemble(ctx context.Context, data domain.PackageCreationData) (Outcome, *appackage.Package, error) {
	if ctx.Err() != nil {
		return OutcomeCancelled, nil, nil
	}
	p := data.Project
	pkg := appackage.New(p.Name, data.Version, data.MinimumDmVersion)

	var err error
	switch {
	case p.Type.IsScriptStyle():
		var s appackage.Script
		if s, err = a.buildScript(ctx, data); err == nil {
			pkg.AddScript(s)
		}
	case p.Type.IsPackage():
		err = a.assemblePackage(ctx, data, pkg)
	default:
		err = fmt.Errorf("%w: project %s has type %q", ErrUnknownProjectType, p.Name, p.Type)
	}
	if err != nil {
		if isCancellation(ctx, err) {
			return OutcomeCancelled, nil, nil
		}
		return OutcomeFailed, nil, err
	}
	if ctx.Err() != nil {
		return OutcomeCancelled, nil, nil
	}
	return OutcomeSucceeded, pkg, nil
}

func (a Assembler) assemblePackage(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	if err := a.addInstallScript(ctx, data, pkg); err != nil {
		return err
	}
	steps := []func(context.Context, domain.PackageCreationData, *appackage.Package) error{
		a.addBasicContent,
		a.addLinkedProjects,
		a.addCatalogReferences,
	}
	if data.Project.Type == domain.TestPackage {
		steps = append(steps, a.addTestPackageContent)
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, data, pkg); err != nil {
			return err
		}
	}
	return nil
}

// addInstallScript uses the package project's own script document, when
// present, as the install script. Param values are reduced to file names
// since the install script does not look in the usual assembly folders.
func (a Assembler) addInstallScript(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	p := data.Project
	docPath := filepath.Join(p.Directory, p.Name+".xml")
	if _, err := os.Stat(docPath); err != nil {
		ctxlog.FromContext(ctx).Debug("package has no install script", "project", p.Name)
		return nil
	}
	if a.Compiler == nil {
		return errNoCompiler
	}
	items, err := a.Compiler.Build(ctx, data)
	if err != nil {
		return fmt.Errorf("build install script for %s: %w", p.Name, err)
	}
	doc := paramValue.ReplaceAllStringFunc(items.Document, func(m string) string {
		parts := paramValue.FindStringSubmatch(m)
		return parts[1] + fileName(parts[2]) + parts[3]
	})
	install := appackage.Script{Name: p.Name, Document: []byte(doc)}
	for _, ref := range items.Assemblies {
		if ref.AssemblyPath != "" {
			install.Assemblies = append(install.Assemblies, appackage.Assembly{Source: ref.AssemblyPath})
		}
	}
	for _, ref := range items.DllAssemblies {
		if ref.AssemblyPath != "" {
			install.Assemblies = append(install.Assemblies, appackage.Assembly{Source: ref.AssemblyPath})
		}
	}
	pkg.SetInstallScript(install)
	return nil
}

func (a Assembler) buildScript(ctx context.Context, data domain.PackageCreationData) (appackage.Script, error) {
	if a.Compiler == nil {
		return appackage.Script{}, errNoCompiler
	}
	items, err := a.Compiler.Build(ctx, data)
	if err != nil {
		return appackage.Script{}, fmt.Errorf("build %s: %w", data.Project.Name, err)
	}
	s := appackage.Script{Name: data.Project.Name, Document: []byte(items.Document)}
	for _, ref := range items.Assemblies {
		if ref.AssemblyPath == "" {
			continue
		}
		s.Assemblies = append(s.Assemblies, appackage.Assembly{
			Source:         ref.AssemblyPath,
			DestinationDir: destinationDir(appackage.DllImportRoot, ref.DllImport),
		})
	}
	for _, ref := range items.DllAssemblies {
		if ref.AssemblyPath == "" {
			continue
		}
		root := appackage.DllImportRoot
		if ref.IsFilesPackage {
			root = appackage.FilesRoot
		}
		s.Assemblies = append(s.Assemblies, appackage.Assembly{
			Source:         ref.AssemblyPath,
			DestinationDir: destinationDir(root, ref.DllImport),
		})
	}
	return s, nil
}

func (a Assembler) addBasicContent(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	content := filepath.Join(data.Project.Directory, "PackageContent")
	if err := walkFiles(filepath.Join(content, "SetupContent"), pkg.AddSetupContent); err != nil {
		return err
	}
	if err := walkFiles(filepath.Join(content, "CompanionFiles"), pkg.AddCompanionFile); err != nil {
		return err
	}
	lowCode, err := zips(filepath.Join(content, "LowCodeApps"))
	if err != nil {
		return err
	}
	for _, z := range lowCode {
		pkg.AddLowCodeApp(z)
	}
	dashboards, err := zips(filepath.Join(content, "Dashboards"))
	if err != nil {
		return err
	}
	for _, z := range dashboards {
		pkg.AddDashboard(z)
	}
	return nil
}

func (a Assembler) addLinkedProjects(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	logger := ctxlog.FromContext(ctx)
	for _, linked := range data.LinkedProjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case linked.Type.IsPackage():
			return &domain.GraphIntegrityError{Parent: data.Project.Name, Nested: linked.Name, Type: linked.Type}
		case linked.Type.IsScriptStyle():
			s, err := a.buildScript(ctx, data.Derive(linked))
			if err != nil {
				return err
			}
			pkg.AddScript(s)
		default:
			logger.Warn("skipping linked project with unsupported type", "project", linked.Name, "type", linked.Type)
		}
	}
	return nil
}

func (a Assembler) addTestPackageContent(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	root := filepath.Join(data.Project.Directory, "TestPackageContent")
	if !isDir(root) {
		return fmt.Errorf("%w: %s", ErrTestPackageContentMissing, root)
	}
	pipeline := filepath.Join(root, "TestPackagePipeline")
	if !isDir(pipeline) {
		return fmt.Errorf("%w: %s", ErrTestPackagePipelineMissing, pipeline)
	}
	entries, err := os.ReadDir(pipeline)
	if err != nil {
		return err
	}
	numbered := false
	for _, e := range entries {
		if pipelineEntry.MatchString(e.Name()) {
			numbered = true
			break
		}
	}
	if !numbered {
		return fmt.Errorf("%w: %s", ErrTestPackagePipelineEmpty, pipeline)
	}

	add := func(source, rel string) { pkg.AddTestContent(source, rel) }
	for _, dir := range []string{"TestPackagePipeline", "TestHarvesting", "Tests", "Dependencies"} {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub := filepath.Join(root, dir)
		if err := walkFiles(sub, func(source, rel string) { add(source, filepath.Join(dir, rel)) }); err != nil {
			return err
		}
	}
	config := filepath.Join(root, "TestPackageConfig.json")
	if fi, err := os.Stat(config); err == nil && !fi.IsDir() {
		add(config, "TestPackageConfig.json")
	}
	return nil
}

// walkFiles calls add for every regular file below dir with its path
// relative to dir. A missing dir is not an error.
func walkFiles(dir string, add func(source, rel string)) error {
	if !isDir(dir) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		add(p, rel)
		return nil
	})
}

// zips lists the *.zip archives directly inside dir.
func zips(dir string) ([]string, error) {
	return pattern.Resolve(dir, "*.zip")
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// destinationDir returns the agent folder a DllImport name deploys to, e.g.
// root\newtonsoft.json\13.0.3\lib\net48 for newtonsoft.json\13.0.3\lib\net48\Newtonsoft.Json.dll.
func destinationDir(root, dllImport string) string {
	rel := strings.Trim(strings.ReplaceAll(dllImport, "/", `\`), `\`)
	i := strings.LastIndex(rel, `\`)
	if i < 0 {
		return root
	}
	return root + `\` + rel[:i]
}

func fileName(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
