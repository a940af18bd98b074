package server

import "dmsdk/internal/repo"

// Response payloads

type ItemResponse struct {
	ID        string `json:"catalogId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	StorageID string `json:"azureStorageId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type ItemList struct {
	Items []ItemResponse `json:"items"`
}

type VersionResponse struct {
	Version     string `json:"versionNumber"`
	Description string `json:"versionDescription,omitempty"`
	FileName    string `json:"fileName"`
	CreatedAt   string `json:"createdAt"`
}

type VersionList struct {
	Items []VersionResponse `json:"items"`
}

// RegisterResponse is returned by catalog registration and version upload.
type RegisterResponse struct {
	CatalogID            string `json:"catalogId"`
	CatalogVersionNumber string `json:"catalogVersionNumber,omitempty"`
	AzureStorageID       string `json:"azureStorageId"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func itemResponse(it repo.CatalogItem) ItemResponse {
	return ItemResponse{
		ID:        it.ID,
		Name:      it.Name,
		Type:      it.Type,
		StorageID: it.StorageID,
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	}
}

func versionResponse(v repo.CatalogVersion) VersionResponse {
	return VersionResponse{
		Version:     v.Version,
		Description: v.Description,
		FileName:    v.FileName,
		CreatedAt:   v.CreatedAt,
	}
}
