// Package appackage models a .dmapp application package and writes it as a
// zip archive.
package appackage

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Deployment roots on a DataMiner agent.
const (
	DllImportRoot = `C:\Skyline DataMiner\ProtocolScripts\DllImport`
	FilesRoot     = `C:\Skyline DataMiner\Files`
	agentRoot     = `C:\Skyline DataMiner`
)

// Archive folders.
const (
	contentDir        = "AppInstallContent"
	scriptsDir        = contentDir + "/Scripts"
	assembliesDir     = contentDir + "/Assemblies"
	lowCodeAppsDir    = contentDir + "/LowCodeApps"
	dashboardsDir     = contentDir + "/Dashboards"
	packagesDir       = contentDir + "/Packages"
	protocolsDir      = contentDir + "/Protocols"
	companionFilesDir = contentDir + "/CompanionFiles"
	setupContentDir   = "SetupContent"
	testContentDir    = "TestPackageContent"
	installScriptPath = "Install.xml"
	installDepsDir    = "InstallDependencies"
	appInfoPath       = "AppInfo.xml"
)

// Assembly is a file deployed to DestinationDir on the agent.
type Assembly struct {
	Source         string
	DestinationDir string
}

// Script is an automation script with the assemblies it needs.
type Script struct {
	Name       string
	Document   []byte
	Assemblies []Assembly
}

type entry struct {
	name   string
	source string
}

// Package is an application package under construction. The zero value is
// not usable; create one with New.
type Package struct {
	Name             string
	Version          string
	MinimumDmVersion string

	install *Script
	scripts []Script
	entries []entry
	seen    map[string]bool
}

// New returns an empty package.
func New(name, version, minimumDmVersion string) *Package {
	return &Package{
		Name:             name,
		Version:          version,
		MinimumDmVersion: minimumDmVersion,
		seen:             map[string]bool{},
	}
}

// SetInstallScript sets the script run when the package is installed.
func (p *Package) SetInstallScript(s Script) {
	p.install = &s
}

// InstallScript returns the install script, if any.
func (p *Package) InstallScript() (Script, bool) {
	if p.install == nil {
		return Script{}, false
	}
	return *p.install, true
}

// AddScript adds an automation script.
func (p *Package) AddScript(s Script) {
	p.scripts = append(p.scripts, s)
}

// Scripts returns the automation scripts in insertion order.
func (p *Package) Scripts() []Script {
	return append([]Script(nil), p.scripts...)
}

// AddCompanionFile adds a file copied next to the installed application.
func (p *Package) AddCompanionFile(source, rel string) {
	p.addFile(path.Join(companionFilesDir, slashed(rel)), source)
}

// AddSetupContent adds a file used by the install script.
func (p *Package) AddSetupContent(source, rel string) {
	p.addFile(path.Join(setupContentDir, slashed(rel)), source)
}

// AddLowCodeApp adds an exported low-code app archive.
func (p *Package) AddLowCodeApp(source string) {
	p.addFile(path.Join(lowCodeAppsDir, filepath.Base(source)), source)
}

// AddDashboard adds an exported dashboard archive.
func (p *Package) AddDashboard(source string) {
	p.addFile(path.Join(dashboardsDir, filepath.Base(source)), source)
}

// AddSubPackage adds a nested application package stored at source.
func (p *Package) AddSubPackage(source string) {
	p.addFile(path.Join(packagesDir, filepath.Base(source)), source)
}

// AddProtocol adds a protocol package stored at source.
func (p *Package) AddProtocol(source string) {
	p.addFile(path.Join(protocolsDir, filepath.Base(source)), source)
}

// AddTestContent adds a file below TestPackageContent.
func (p *Package) AddTestContent(source, rel string) {
	p.addFile(path.Join(testContentDir, slashed(rel)), source)
}

// Entries lists the archive paths in the order they will be written.
func (p *Package) Entries() []string {
	var out []string
	if p.install != nil {
		out = append(out, installScriptPath)
		for _, a := range p.install.Assemblies {
			out = append(out, installEntry(a))
		}
	}
	for _, s := range p.scripts {
		out = append(out, scriptEntry(s.Name))
		for _, a := range s.Assemblies {
			out = append(out, assemblyEntry(a))
		}
	}
	for _, e := range p.entries {
		out = append(out, e.name)
	}
	return dedupe(out)
}

func (p *Package) addFile(name, source string) {
	if p.seen[name] {
		return
	}
	p.seen[name] = true
	p.entries = append(p.entries, entry{name: name, source: source})
}

type appInfo struct {
	XMLName          xml.Name `xml:"AppInfo"`
	Name             string   `xml:"Name"`
	Version          string   `xml:"Version"`
	MinDmaVersion    string   `xml:"MinDmaVersion"`
	AllowMultiple    bool     `xml:"AllowMultipleInstalledVersions"`
	HasInstallScript bool     `xml:"HasInstallScript"`
	Scripts          []string `xml:"Scripts>Script,omitempty"`
}

// Write streams the package as a zip archive to w. Cancellation is checked
// between entries.
func (p *Package) Write(ctx context.Context, w io.Writer) error {
	zw := zip.NewWriter(w)
	written := map[string]bool{}

	info := appInfo{
		Name:             p.Name,
		Version:          p.Version,
		MinDmaVersion:    p.MinimumDmVersion,
		AllowMultiple:    true,
		HasInstallScript: p.install != nil,
	}
	for _, s := range p.scripts {
		info.Scripts = append(info.Scripts, s.Name)
	}
	infoXML, err := xml.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := writeData(zw, written, appInfoPath, append([]byte(xml.Header), infoXML...)); err != nil {
		return err
	}

	if p.install != nil {
		if err := writeData(zw, written, installScriptPath, p.install.Document); err != nil {
			return err
		}
		for _, a := range p.install.Assemblies {
			if err := writeFile(zw, written, installEntry(a), a.Source); err != nil {
				return err
			}
		}
	}
	for _, s := range p.scripts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeData(zw, written, scriptEntry(s.Name), s.Document); err != nil {
			return err
		}
		if err := writeAssemblies(ctx, zw, written, s.Assemblies); err != nil {
			return err
		}
	}
	for _, e := range p.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeFile(zw, written, e.name, e.source); err != nil {
			return err
		}
	}
	return zw.Close()
}

// Save writes the package to path, creating parent directories. A partial
// file is removed on failure.
func (p *Package) Save(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := p.Write(ctx, f); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("write package %s: %w", dest, err)
	}
	return f.Close()
}

// Bytes returns the package archive in memory.
func (p *Package) Bytes(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Write(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAssemblies(ctx context.Context, zw *zip.Writer, written map[string]bool, assemblies []Assembly) error {
	for _, a := range assemblies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeFile(zw, written, assemblyEntry(a), a.Source); err != nil {
			return err
		}
	}
	return nil
}

func writeData(zw *zip.Writer, written map[string]bool, name string, data []byte) error {
	if written[name] {
		return nil
	}
	written[name] = true
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeFile(zw *zip.Writer, written map[string]bool, name, source string) error {
	if written[name] {
		return nil
	}
	written[name] = true
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Install script assemblies sit next to Install.xml; the install script
// references them by file name only.
func installEntry(a Assembly) string {
	return path.Join(installDepsDir, filepath.Base(slashed(a.Source)))
}

func scriptEntry(name string) string {
	return path.Join(scriptsDir, name, name+".xml")
}

// assemblyEntry maps a deployment directory below the agent root onto the
// archive, e.g. C:\Skyline DataMiner\Files\x.dll -> AppInstallContent/Assemblies/Files/x.dll.
func assemblyEntry(a Assembly) string {
	rel := a.DestinationDir
	if len(rel) >= len(agentRoot) && strings.EqualFold(rel[:len(agentRoot)], agentRoot) {
		rel = rel[len(agentRoot):]
	}
	return path.Join(assembliesDir, slashed(rel), filepath.Base(slashed(a.Source)))
}

func slashed(p string) string {
	return strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
