// Package project loads project descriptors and resolves the closure of
// projects referenced by a package.
package project

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dmsdk/internal/domain"
)

type projectXML struct {
	PropertyGroups []struct {
		DataMinerType string `xml:"DataMinerType"`
	} `xml:"PropertyGroup"`
	ItemGroups []struct {
		ProjectReferences []struct {
			Include string `xml:"Include,attr"`
		} `xml:"ProjectReference"`
		PackageReferences []struct {
			Include string `xml:"Include,attr"`
		} `xml:"PackageReference"`
	} `xml:"ItemGroup"`
}

// Load parses the project file at path.
func Load(path string) (*domain.ProjectDescriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var px projectXML
	if err := xml.Unmarshal(data, &px); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", abs, err)
	}
	dir := filepath.Dir(abs)
	d := &domain.ProjectDescriptor{
		Path:      abs,
		Name:      strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		Type:      domain.Unknown,
		Directory: dir,
	}
	for _, pg := range px.PropertyGroups {
		if strings.TrimSpace(pg.DataMinerType) != "" {
			d.Type = domain.ParseProjectType(pg.DataMinerType)
		}
	}
	for _, ig := range px.ItemGroups {
		for _, ref := range ig.ProjectReferences {
			if ref.Include == "" {
				continue
			}
			rel := filepath.FromSlash(strings.ReplaceAll(ref.Include, `\`, "/"))
			d.ProjectReferences = append(d.ProjectReferences, filepath.Clean(filepath.Join(dir, rel)))
		}
		for _, ref := range ig.PackageReferences {
			if ref.Include != "" {
				d.PackageReferences = append(d.PackageReferences, ref.Include)
			}
		}
	}
	return d, nil
}

var testFrameworkPackages = []string{
	"MSTest",
	"MSTest.TestFramework",
	"MSTest.TestAdapter",
	"Microsoft.NET.Test.Sdk",
	"xunit",
	"xunit.runner.visualstudio",
	"NUnit",
	"NUnit3TestAdapter",
}

// IsTestProject reports whether the project references a test framework package.
func IsTestProject(d *domain.ProjectDescriptor) bool {
	for _, ref := range d.PackageReferences {
		for _, name := range testFrameworkPackages {
			if strings.EqualFold(ref, name) {
				return true
			}
		}
	}
	return false
}

// Cache memoizes descriptors by normalized path for one build. It is not
// safe for concurrent use; create one per build.
type Cache struct {
	byPath map[string]*domain.ProjectDescriptor
	loads  int
	load   func(string) (*domain.ProjectDescriptor, error)
}

// NewCache returns an empty cache backed by Load.
func NewCache() *Cache {
	return &Cache{byPath: map[string]*domain.ProjectDescriptor{}, load: Load}
}

// Get returns the descriptor for path, loading it on first use.
func (c *Cache) Get(path string) (*domain.ProjectDescriptor, error) {
	key, err := cacheKey(path)
	if err != nil {
		return nil, err
	}
	if d, ok := c.byPath[key]; ok {
		return d, nil
	}
	d, err := c.load(path)
	if err != nil {
		return nil, err
	}
	c.loads++
	c.byPath[key] = d
	return d, nil
}

// Loads returns how many project files were actually parsed.
func (c *Cache) Loads() int {
	return c.loads
}

func cacheKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(filepath.Clean(abs)), nil
}
