package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"dmsdk/internal/appackage"
	"dmsdk/internal/repo"
)

// ItemTypeHeader carries the type of a downloaded item.
const ItemTypeHeader = "X-Catalog-Item-Type"

var (
	errForbidden  = errors.New("catalog item is owned by another key")
	errBadRequest = errors.New("bad request")
)

// storageNamespace derives stable storage ids from catalog ids.
var storageNamespace = uuid.MustParse("6f1c2a52-38a4-4d0e-9a55-4c1f0d9d7e21")

// manifestNames are the metadata files looked up inside catalogDetails.zip.
var manifestNames = []string{"manifest.yml", "manifest.yaml", "catalog.yml", "catalog.yaml"}

type manifest struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	Type  string `yaml:"type"`
}

type catalogHandlers struct {
	cfg Config
}

func (h catalogHandlers) register(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	data, _, err := formFile(w, r)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	m, err := readManifest(data)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}

	existing, err := h.cfg.Repo.GetCatalogItem(r.Context(), m.ID)
	switch {
	case err == nil && existing.OwnerKeyID != p.KeyID:
		respondStatusError(w, handleError(errForbidden))
		return
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		respondStatusError(w, handleError(err))
		return
	}
	item, err := h.cfg.Repo.UpsertCatalogItem(r.Context(), nil, repo.CatalogItem{
		ID:         m.ID,
		Name:       m.Name,
		Type:       m.Type,
		StorageID:  uuid.NewSHA1(storageNamespace, []byte(m.ID)).String(),
		OwnerKeyID: p.KeyID,
		Metadata:   data,
	})
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	h.cfg.Auth.logger().Printf("catalog item %s (%s) registered by key %s", item.ID, item.Name, p.KeyID)
	writeJSON(w, http.StatusOK, RegisterResponse{CatalogID: item.ID, AzureStorageID: item.StorageID})
}

func (h catalogHandlers) registerVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	item, err := h.cfg.Repo.GetCatalogItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	if item.OwnerKeyID != p.KeyID {
		respondStatusError(w, handleError(errForbidden))
		return
	}
	data, header, err := formFile(w, r)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	version := strings.TrimSpace(r.FormValue("versionNumber"))
	if version == "" {
		respondStatusError(w, handleError(fmt.Errorf("%w: versionNumber is required", errBadRequest)))
		return
	}
	err = h.cfg.Repo.InsertCatalogVersion(r.Context(), nil, repo.CatalogVersion{
		ItemID:      item.ID,
		Version:     version,
		Description: strings.TrimSpace(r.FormValue("versionDescription")),
		FileName:    path.Base(header.Filename),
		Content:     data,
	})
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{CatalogID: item.ID, CatalogVersionNumber: version, AzureStorageID: item.StorageID})
}

func (h catalogHandlers) download(w http.ResponseWriter, r *http.Request) {
	item, err := h.cfg.Repo.GetCatalogItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	v, err := h.cfg.Repo.GetCatalogVersion(r.Context(), item.ID, chi.URLParam(r, "version"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(ItemTypeHeader, item.Type)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", v.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v.Content)
}

func formFile(w http.ResponseWriter, r *http.Request) ([]byte, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: file part is required", errBadRequest)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: file is empty", errBadRequest)
	}
	return data, header, nil
}

// readManifest extracts the item identity from the catalog metadata zip. A
// missing id gets a fresh one.
func readManifest(data []byte) (manifest, error) {
	entries, err := appackage.ReadEntries(data)
	if err != nil {
		return manifest{}, fmt.Errorf("%w: catalog metadata is not a zip archive", errBadRequest)
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	// The shallowest manifest wins; ties go to the first name in sort order.
	var raw []byte
	depth := -1
	for _, name := range names {
		if !isManifest(name) {
			continue
		}
		if d := strings.Count(name, "/"); depth < 0 || d < depth {
			raw, depth = entries[name], d
		}
	}
	if raw == nil {
		return manifest{}, fmt.Errorf("%w: catalog metadata has no manifest.yml", errBadRequest)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("%w: invalid manifest: %v", errBadRequest, err)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	} else {
		id, err := uuid.Parse(strings.TrimSpace(m.ID))
		if err != nil {
			return manifest{}, fmt.Errorf("%w: manifest id %q is not a GUID", errBadRequest, m.ID)
		}
		m.ID = id.String()
	}
	if m.Name == "" {
		m.Name = m.Title
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	if m.Type == "" {
		m.Type = "dmapp"
	}
	return m, nil
}

func isManifest(name string) bool {
	for _, want := range manifestNames {
		if strings.EqualFold(path.Base(name), want) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
