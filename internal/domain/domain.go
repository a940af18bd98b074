package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProjectType is the DataMiner project type declared by a project file.
type ProjectType string

const (
	AutomationScript        ProjectType = "AutomationScript"
	AutomationScriptLibrary ProjectType = "AutomationScriptLibrary"
	UserDefinedApi          ProjectType = "UserDefinedApi"
	AdHocDataSource         ProjectType = "AdHocDataSource"
	Package                 ProjectType = "Package"
	TestPackage             ProjectType = "TestPackage"
	Unknown                 ProjectType = "Unknown"
)

var projectTypes = []ProjectType{
	AutomationScript,
	AutomationScriptLibrary,
	UserDefinedApi,
	AdHocDataSource,
	Package,
	TestPackage,
}

// ParseProjectType maps a DataMinerType value onto the closed enumeration.
// Anything unrecognized, including an empty value, is Unknown.
func ParseProjectType(s string) ProjectType {
	s = strings.TrimSpace(s)
	for _, t := range projectTypes {
		if strings.EqualFold(string(t), s) {
			return t
		}
	}
	return Unknown
}

// IsScriptStyle reports whether the type is built through the script compiler.
// AdHocDataSource is not a script but shares the same assembling.
func (t ProjectType) IsScriptStyle() bool {
	switch t {
	case AutomationScript, AutomationScriptLibrary, UserDefinedApi, AdHocDataSource:
		return true
	}
	return false
}

// IsPackage reports whether the type produces an aggregating package.
func (t ProjectType) IsPackage() bool {
	return t == Package || t == TestPackage
}

// IsKnown reports whether the type carries a recognized DataMiner marker.
func (t ProjectType) IsKnown() bool {
	return t != Unknown && t != ""
}

// ProjectDescriptor is a loaded project file. Paths are absolute.
type ProjectDescriptor struct {
	Path              string      `json:"path"`
	Name              string      `json:"name"`
	Type              ProjectType `json:"type"`
	Directory         string      `json:"directory"`
	ProjectReferences []string    `json:"project_references,omitempty"`
	PackageReferences []string    `json:"package_references,omitempty"`
}

// SelectionKind tags a SelectionPolicy.
type SelectionKind int

const (
	SelectPinned SelectionKind = iota + 1
	SelectRange
)

// SelectionPolicy decides which catalog version is used: either a pinned
// version or the newest version inside a range.
type SelectionPolicy struct {
	Kind            SelectionKind `json:"kind"`
	Version         string        `json:"version,omitempty"`
	Range           string        `json:"range,omitempty"`
	AllowPrerelease bool          `json:"allow_prerelease,omitempty"`
}

// Pinned selects exactly one version.
func Pinned(version string) SelectionPolicy {
	return SelectionPolicy{Kind: SelectPinned, Version: version}
}

// Range selects the newest version matching expr.
func Range(expr string, allowPrerelease bool) SelectionPolicy {
	return SelectionPolicy{Kind: SelectRange, Range: expr, AllowPrerelease: allowPrerelease}
}

func (p SelectionPolicy) String() string {
	switch p.Kind {
	case SelectPinned:
		return fmt.Sprintf("Pinned(%q)", p.Version)
	case SelectRange:
		return fmt.Sprintf("Range(%q, %t)", p.Range, p.AllowPrerelease)
	default:
		return "Invalid"
	}
}

// CatalogIdentifier references an external catalog item.
type CatalogIdentifier struct {
	ID        uuid.UUID       `json:"id"`
	Selection SelectionPolicy `json:"selection"`
}

func (c CatalogIdentifier) String() string {
	return fmt.Sprintf("%s %s", c.ID, c.Selection)
}

// CatalogItemType is the type discriminator returned with a download.
type CatalogItemType string

const (
	CatalogItemDmapp    CatalogItemType = "dmapp"
	CatalogItemProtocol CatalogItemType = "protocol"
)

// PackageCreationData is the per-build context.
type PackageCreationData struct {
	Project            *ProjectDescriptor
	LinkedProjects     []*ProjectDescriptor
	Version            string
	MinimumDmVersion   string
	TemporaryDirectory string
	CatalogDownloadKey string
}

// Derive returns a shallow copy for a recursively included project. Version
// metadata, linked projects and the temporary directory are shared.
func (d PackageCreationData) Derive(project *ProjectDescriptor) PackageCreationData {
	d.Project = project
	return d
}

// PackageAssemblyReference is an assembly coming from a package reference.
type PackageAssemblyReference struct {
	AssemblyPath string
	DllImport    string
}

// DllAssemblyReference is a plain dll reference.
type DllAssemblyReference struct {
	AssemblyPath   string
	DllImport      string
	IsFilesPackage bool
}

// BuildResultItems is the output of the script compiler for one project.
type BuildResultItems struct {
	Document      string
	Assemblies    []PackageAssemblyReference
	DllAssemblies []DllAssemblyReference
}

// ArtifactUploadResult is returned by catalog registration and version upload.
type ArtifactUploadResult struct {
	ArtifactID string `json:"artifactId"`
}
