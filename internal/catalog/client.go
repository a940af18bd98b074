// Package catalog is an HTTP client for the DataMiner catalog API.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"dmsdk/internal/catalogref"
	"dmsdk/internal/domain"
)

const (
	// DefaultBaseURL is the production catalog API.
	DefaultBaseURL = "https://api.dataminer.services"
	// OverrideEnv selects a non-production environment, e.g. "dev" or "staging".
	OverrideEnv = "override-api-dataminer-services"

	// SubscriptionKeyHeader carries the catalog key on every request.
	SubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
	// ItemTypeHeader carries the type of a downloaded item.
	ItemTypeHeader = "X-Catalog-Item-Type"

	registerPath = "api/key-catalog/v2-0/catalogs/register"
	catalogsPath = "api/key-catalog/v2-0/catalogs"

	metadataFileName   = "catalogDetails.zip"
	defaultDescription = "No description provided."
)

// Client talks to the catalog API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// NewFromEnv creates a client for the environment named by OverrideEnv.
func NewFromEnv(httpClient *http.Client) *Client {
	c := New(BaseURLFromEnv())
	c.HTTPClient = httpClient
	return c
}

// BaseURLFromEnv returns the catalog base URL for the current environment.
func BaseURLFromEnv() string {
	env := strings.TrimSpace(os.Getenv(OverrideEnv))
	if env == "" {
		return DefaultBaseURL
	}
	return fmt.Sprintf("https://api-%s.dataminer.services/%s", env, env)
}

type registerResponse struct {
	CatalogID            string `json:"catalogId"`
	CatalogVersionNumber string `json:"catalogVersionNumber"`
	AzureStorageID       string `json:"azureStorageId"`
}

func (r registerResponse) artifactID() string {
	if r.AzureStorageID != "" {
		return r.AzureStorageID
	}
	return r.CatalogID
}

// VersionInfo describes one uploaded version of a catalog item.
type VersionInfo struct {
	Version     string `json:"versionNumber"`
	Description string `json:"versionDescription,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// Item is a downloaded catalog item.
type Item struct {
	ID      uuid.UUID
	Version string
	Type    domain.CatalogItemType
	Content []byte
}

// Register creates or updates the catalog record described by metadataZip.
func (c *Client) Register(ctx context.Context, metadataZip []byte, key string) (domain.ArtifactUploadResult, error) {
	if strings.TrimSpace(key) == "" {
		return domain.ArtifactUploadResult{}, fmt.Errorf("%w: key is required", ErrInvalidArgument)
	}
	if len(metadataZip) == 0 {
		return domain.ArtifactUploadResult{}, fmt.Errorf("%w: catalog metadata is empty", ErrInvalidArgument)
	}
	body, contentType, err := multipartBody(metadataFileName, metadataZip, nil)
	if err != nil {
		return domain.ArtifactUploadResult{}, err
	}
	status, data, err := c.send(ctx, http.MethodPut, registerPath, key, contentType, body)
	if err != nil {
		return domain.ArtifactUploadResult{}, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ArtifactUploadResult{}, &AuthenticationError{StatusCode: status, Body: string(data)}
	case status >= 300:
		return domain.ArtifactUploadResult{}, &RegistrationError{StatusCode: status, Body: string(data)}
	}
	var resp registerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.ArtifactUploadResult{}, &RegistrationError{StatusCode: status, Body: string(data)}
	}
	return domain.ArtifactUploadResult{ArtifactID: resp.artifactID()}, nil
}

// UploadVersion uploads a package as a new version of the catalog item artifactID.
func (c *Client) UploadVersion(ctx context.Context, pkg []byte, fileName, key, artifactID, version, description string) (domain.ArtifactUploadResult, error) {
	for _, arg := range [][2]string{{"file name", fileName}, {"key", key}, {"artifact id", artifactID}, {"version", version}} {
		if strings.TrimSpace(arg[1]) == "" {
			return domain.ArtifactUploadResult{}, fmt.Errorf("%w: %s is required", ErrInvalidArgument, arg[0])
		}
	}
	if strings.TrimSpace(description) == "" {
		description = defaultDescription
	}
	body, contentType, err := multipartBody(fileName, pkg, [][2]string{
		{"versionNumber", version},
		{"versionDescription", description},
	})
	if err != nil {
		return domain.ArtifactUploadResult{}, err
	}
	endpoint := fmt.Sprintf("%s/%s/register/version", catalogsPath, url.PathEscape(artifactID))
	status, data, err := c.send(ctx, http.MethodPost, endpoint, key, contentType, body)
	if err != nil {
		return domain.ArtifactUploadResult{}, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ArtifactUploadResult{}, &AuthenticationError{StatusCode: status, Body: string(data)}
	case status == http.StatusConflict && strings.Contains(strings.ToLower(string(data)), "already exists"):
		return domain.ArtifactUploadResult{}, &VersionAlreadyExistsError{Version: version}
	case status >= 300:
		return domain.ArtifactUploadResult{}, &UploadError{StatusCode: status, Body: string(data)}
	}
	var resp registerResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return domain.ArtifactUploadResult{}, &UploadError{StatusCode: status, Body: string(data)}
		}
	}
	id := resp.artifactID()
	if id == "" {
		id = artifactID
	}
	return domain.ArtifactUploadResult{ArtifactID: id}, nil
}

// ListVersions returns the versions uploaded for a catalog item.
func (c *Client) ListVersions(ctx context.Context, id uuid.UUID, key string) ([]VersionInfo, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidArgument)
	}
	endpoint := fmt.Sprintf("%s/%s/versions", catalogsPath, id)
	resp, err := c.get(ctx, endpoint, key)
	if err != nil {
		return nil, &DownloadError{Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if err := statusError(resp.StatusCode, data); err != nil {
		return nil, err
	}
	var page struct {
		Items []VersionInfo `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, &DownloadError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode versions: %w", err)}
	}
	return page.Items, nil
}

// Download resolves the version selected by the identifier's policy and
// fetches that version's content.
func (c *Client) Download(ctx context.Context, identifier domain.CatalogIdentifier, key string) (Item, error) {
	versions, err := c.ListVersions(ctx, identifier.ID, key)
	if err != nil {
		return Item{}, err
	}
	available := make([]string, 0, len(versions))
	for _, v := range versions {
		available = append(available, v.Version)
	}
	version, err := catalogref.SelectVersion(available, identifier.Selection)
	if err != nil {
		return Item{}, &DownloadError{Err: fmt.Errorf("catalog item %s: %w", identifier.ID, err)}
	}

	endpoint := fmt.Sprintf("%s/%s/versions/%s/download", catalogsPath, identifier.ID, url.PathEscape(version))
	resp, err := c.get(ctx, endpoint, key)
	if err != nil {
		return Item{}, &DownloadError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Item{}, &DownloadError{StatusCode: resp.StatusCode, Err: err}
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return Item{}, err
	}
	itemType := domain.CatalogItemType(strings.ToLower(strings.TrimSpace(resp.Header.Get(ItemTypeHeader))))
	switch itemType {
	case domain.CatalogItemDmapp, domain.CatalogItemProtocol:
	default:
		return Item{}, &DownloadError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unsupported catalog item type %q", itemType)}
	}
	return Item{ID: identifier.ID, Version: version, Type: itemType, Content: data}, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthenticationError{StatusCode: status, Body: string(body)}
	case status >= 300:
		return &DownloadError{StatusCode: status, Body: string(body)}
	}
	return nil
}

func multipartBody(fileName string, content []byte, fields [][2]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) send(ctx context.Context, method, endpoint, key, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(SubscriptionKeyHeader, key)
	resp, err := c.client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) get(ctx context.Context, endpoint, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(SubscriptionKeyHeader, key)
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return c.client().Do(req)
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
