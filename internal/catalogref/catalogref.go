// Package catalogref parses CatalogReferences.xml, the declaration of catalog
// items a package pulls in.
package catalogref

import (
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dmsdk/internal/domain"
)

const (
	// FileName is the declaration file inside PackageContent.
	FileName = "CatalogReferences.xml"
	ns       = "http://www.skyline.be/catalogReferences"
)

// Reference is one resolved catalog reference.
type Reference struct {
	Identifier  domain.CatalogIdentifier
	DisplayName string
}

type referenceXML struct {
	ID        string        `xml:"id,attr"`
	Name      string        `xml:"name,attr"`
	Selection *selectionXML `xml:"http://www.skyline.be/catalogReferences Selection"`
}

type selectionXML struct {
	Specific *string   `xml:"http://www.skyline.be/catalogReferences Specific"`
	Range    *rangeXML `xml:"http://www.skyline.be/catalogReferences Range"`
}

type rangeXML struct {
	Value           string `xml:",chardata"`
	AllowPrerelease string `xml:"allowPrerelease,attr"`
}

// Path returns the location of the declaration for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, "PackageContent", FileName)
}

// Load reads and parses the declaration at path.
func Load(path string) ([]Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.ConfigurationError{File: FileName, Kind: domain.ErrDeclarationNotFound}
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a declaration. CatalogReference elements are found at any
// depth. Entries with an invalid id, or a selection with no recognized
// child, are skipped.
func Parse(r io.Reader) ([]Reference, error) {
	refs, err := decodeReferences(r)
	if err != nil {
		return nil, &domain.ConfigurationError{File: FileName, Kind: domain.ErrDeclarationMalformed, Err: err}
	}
	var out []Reference
	for _, ref := range refs {
		id, err := uuid.Parse(strings.TrimSpace(ref.ID))
		if err != nil || ref.Selection == nil {
			continue
		}
		policy, ok := ref.Selection.policy()
		if !ok {
			continue
		}
		name := strings.TrimSpace(ref.Name)
		if name == "" {
			name = id.String()
		}
		out = append(out, Reference{
			Identifier:  domain.CatalogIdentifier{ID: id, Selection: policy},
			DisplayName: name,
		})
	}
	return out, nil
}

func decodeReferences(r io.Reader) ([]referenceXML, error) {
	var (
		refs []referenceXML
		seen bool
	)
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		seen = true
		if se.Name.Space != ns || se.Name.Local != "CatalogReference" {
			continue
		}
		var ref referenceXML
		if err := d.DecodeElement(&ref, &se); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if !seen {
		return nil, errors.New("no root element")
	}
	return refs, nil
}

func (s *selectionXML) policy() (domain.SelectionPolicy, bool) {
	if s.Specific != nil && strings.TrimSpace(*s.Specific) != "" {
		return domain.Pinned(strings.TrimSpace(*s.Specific)), true
	}
	if s.Range != nil && strings.TrimSpace(s.Range.Value) != "" {
		allow, _ := strconv.ParseBool(strings.TrimSpace(s.Range.AllowPrerelease))
		return domain.Range(strings.TrimSpace(s.Range.Value), allow), true
	}
	return domain.SelectionPolicy{}, false
}
