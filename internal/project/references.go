package project

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"dmsdk/internal/ctxlog"
	"dmsdk/internal/domain"
	"dmsdk/internal/pattern"
)

const (
	// ReferencesFileName is the declaration file inside PackageContent.
	ReferencesFileName = "ProjectReferences.xml"
	referencesNS       = "http://www.skyline.be/projectReferences"
)

// DefaultInclude is used when a declaration includes nothing: every project
// one level up from the package project.
const DefaultInclude = `..\*\*.csproj`

// ReferenceDeclaration is the parsed content of ProjectReferences.xml.
type ReferenceDeclaration struct {
	Includes        []string
	Excludes        []string
	SolutionFilters []string
}

type referenceXML struct {
	Include string `xml:"Include,attr"`
	Exclude string `xml:"Exclude,attr"`
}

// ReferencesPath returns the location of the declaration for a project directory.
func ReferencesPath(projectDir string) string {
	return filepath.Join(projectDir, "PackageContent", ReferencesFileName)
}

// LoadReferenceDeclaration reads PackageContent/ProjectReferences.xml.
func LoadReferenceDeclaration(projectDir string) (ReferenceDeclaration, error) {
	data, err := os.ReadFile(ReferencesPath(projectDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ReferenceDeclaration{}, &domain.ConfigurationError{File: ReferencesFileName, Kind: domain.ErrDeclarationNotFound}
		}
		return ReferenceDeclaration{}, err
	}
	decl, err := parseReferenceDeclaration(bytes.NewReader(data))
	if err != nil {
		return ReferenceDeclaration{}, &domain.ConfigurationError{File: ReferencesFileName, Kind: domain.ErrDeclarationMalformed, Err: err}
	}
	return decl, nil
}

// parseReferenceDeclaration collects ProjectReference and SolutionFilter
// elements at any depth, so ItemGroup wrappers are allowed.
func parseReferenceDeclaration(r io.Reader) (ReferenceDeclaration, error) {
	var (
		decl ReferenceDeclaration
		seen bool
	)
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ReferenceDeclaration{}, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		seen = true
		if se.Name.Space != referencesNS {
			continue
		}
		switch se.Name.Local {
		case "ProjectReference", "SolutionFilter":
		default:
			continue
		}
		var ref referenceXML
		if err := d.DecodeElement(&ref, &se); err != nil {
			return ReferenceDeclaration{}, err
		}
		if se.Name.Local == "SolutionFilter" {
			if ref.Include != "" {
				decl.SolutionFilters = append(decl.SolutionFilters, ref.Include)
			}
			continue
		}
		if ref.Include != "" {
			decl.Includes = append(decl.Includes, ref.Include)
		}
		if ref.Exclude != "" {
			decl.Excludes = append(decl.Excludes, ref.Exclude)
		}
	}
	if !seen {
		return ReferenceDeclaration{}, errors.New("no root element")
	}
	return decl, nil
}

// ResolveReferencePaths turns the declaration of a package project into the
// candidate project file paths.
func ResolveReferencePaths(projectDir string) ([]string, error) {
	decl, err := LoadReferenceDeclaration(projectDir)
	if err != nil {
		return nil, err
	}
	includes := append([]string(nil), decl.Includes...)
	filtered, err := pattern.ExpandSolutionFilters(projectDir, decl.SolutionFilters)
	if err != nil {
		return nil, err
	}
	includes = append(includes, filtered...)
	if len(includes) == 0 {
		includes = []string{DefaultInclude}
	}
	return pattern.ResolveSet(projectDir, includes, decl.Excludes)
}

// Builder resolves reference closures using a build-scoped cache.
type Builder struct {
	Cache *Cache
}

// NewBuilder returns a Builder with a fresh cache.
func NewBuilder() Builder {
	return Builder{Cache: NewCache()}
}

// Closure returns every project transitively included by root, excluding
// root itself, projects without a DataMiner type and test projects. Package
// roots start from their ProjectReferences.xml; other roots from their
// declared project references. Order follows file-system enumeration.
func (b Builder) Closure(ctx context.Context, root *domain.ProjectDescriptor) ([]*domain.ProjectDescriptor, error) {
	if b.Cache == nil {
		b.Cache = NewCache()
	}
	logger := ctxlog.FromContext(ctx)

	var candidates []string
	if root.Type.IsPackage() {
		paths, err := ResolveReferencePaths(root.Directory)
		if err != nil {
			return nil, err
		}
		candidates = paths
	} else {
		candidates = root.ProjectReferences
	}

	rootKey, err := cacheKey(root.Path)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{rootKey: true}
	var out []*domain.ProjectDescriptor

	var visit func(paths []string) error
	visit = func(paths []string) error {
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := cacheKey(path)
			if err != nil {
				return err
			}
			if visited[key] {
				continue
			}
			visited[key] = true
			d, err := b.Cache.Get(path)
			if err != nil {
				return err
			}
			if !d.Type.IsKnown() {
				logger.Debug("skipping project without DataMiner type", "project", d.Path)
				continue
			}
			if IsTestProject(d) {
				logger.Debug("skipping test project", "project", d.Path)
				continue
			}
			out = append(out, d)
			if err := visit(d.ProjectReferences); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(candidates); err != nil {
		return nil, err
	}
	return out, nil
}
