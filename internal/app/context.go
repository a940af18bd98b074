// Package app resolves the effective build settings for one project from
// dmsdk.yml and command-line overrides.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dmsdk/internal/config"
	"dmsdk/internal/pattern"
)

// ErrProjectFileNotFound is returned when a directory holds no project file.
var ErrProjectFileNotFound = errors.New("no .csproj file found")

// Overrides are values given on the command line. Empty fields fall back to
// dmsdk.yml.
type Overrides struct {
	PackageID          string
	Version            string
	MinimumDmVersion   string
	Configuration      string
	BaseOutputPath     string
	PublishKeyName     string
	DownloadKeyName    string
	VersionDescription string
	CatalogBaseURL     string
	NuGetPackagesDir   string
}

// Settings are the effective values for a build or publish of one project.
// Paths are absolute.
type Settings struct {
	ProjectFile        string
	ProjectDir         string
	PackageID          string
	Version            string
	MinimumDmVersion   string
	Configuration      string
	OutputDir          string
	PublishKeyName     string
	DownloadKeyName    string
	VersionDescription string
	CatalogBaseURL     string
	NuGetPackagesDir   string
}

// PackagePath is where the .dmapp is written.
func (s Settings) PackagePath() string {
	return filepath.Join(s.OutputDir, fmt.Sprintf("%s.%s.dmapp", s.PackageID, s.Version))
}

// CatalogInfoPath is where the zipped CatalogInformation folder is written.
func (s Settings) CatalogInfoPath() string {
	return filepath.Join(s.OutputDir, fmt.Sprintf("%s.%s.CatalogInformation.zip", s.PackageID, s.Version))
}

// CatalogInfoDir is the folder holding the catalog metadata of the project.
func (s Settings) CatalogInfoDir() string {
	return filepath.Join(s.ProjectDir, "CatalogInformation")
}

// ResolveSettings locates the project file, loads dmsdk.yml next to it (if
// any) and applies overrides.
func ResolveSettings(project string, ov Overrides) (Settings, *config.Config, error) {
	file, err := ProjectFile(project)
	if err != nil {
		return Settings{}, nil, err
	}
	dir := filepath.Dir(file)
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return Settings{}, nil, err
	}
	applyOverrides(cfg, ov)
	if err := cfg.Validate(); err != nil {
		return Settings{}, nil, err
	}

	s := Settings{
		ProjectFile:        file,
		ProjectDir:         dir,
		PackageID:          cfg.Package.ID,
		Version:            cfg.Package.Version,
		MinimumDmVersion:   cfg.MinimumDmVersion(),
		Configuration:      cfg.Output.Configuration,
		PublishKeyName:     cfg.Catalog.PublishKeyName,
		DownloadKeyName:    cfg.Catalog.DownloadKeyName,
		VersionDescription: cfg.Catalog.VersionDescription,
		CatalogBaseURL:     cfg.Catalog.BaseURL,
		NuGetPackagesDir:   cfg.NuGet.PackagesDir,
	}
	if s.PackageID == "" {
		s.PackageID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	if strings.TrimSpace(s.Version) == "" {
		return Settings{}, nil, fmt.Errorf("package version is required")
	}
	base := cfg.Output.BasePath
	if !filepath.IsAbs(base) {
		base = filepath.Join(dir, base)
	}
	s.OutputDir = filepath.Join(base, s.Configuration)
	return s, cfg, nil
}

// ProjectFile returns the absolute project file for path. A directory must
// contain exactly one *.csproj.
func ProjectFile(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return abs, nil
	}
	matches, err := pattern.Resolve(abs, "*.csproj")
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w in %s", ErrProjectFileNotFound, abs)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple project files in %s; specify one", abs)
	}
}

func applyOverrides(cfg *config.Config, ov Overrides) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Package.ID, ov.PackageID)
	set(&cfg.Package.Version, ov.Version)
	set(&cfg.Package.MinimumDmVersion, ov.MinimumDmVersion)
	set(&cfg.Output.Configuration, ov.Configuration)
	set(&cfg.Output.BasePath, ov.BaseOutputPath)
	set(&cfg.Catalog.PublishKeyName, ov.PublishKeyName)
	set(&cfg.Catalog.DownloadKeyName, ov.DownloadKeyName)
	set(&cfg.Catalog.VersionDescription, ov.VersionDescription)
	set(&cfg.Catalog.BaseURL, ov.CatalogBaseURL)
	set(&cfg.NuGet.PackagesDir, ov.NuGetPackagesDir)
}
