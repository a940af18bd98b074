// Package server is a local stand-in for the DataMiner catalog API. It serves
// the endpoints used by the catalog client from a sqlite store.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dmsdk/internal/repo"
)

const (
	catalogsPath = "/api/key-catalog/v2-0/catalogs"
	tokenPath    = "/api/key-catalog/v2-0/tokens"
	healthPath   = "/health"

	// maxUploadBytes bounds multipart bodies kept in memory.
	maxUploadBytes = 256 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Repo repo.Repo
	Auth AuthConfig
	Now  func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_exists"`
	Message string         `json:"message" example:"Version already exists"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the catalog API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Repo.DB == nil {
		return nil, errors.New("server: repo database is required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("DataMiner Catalog (local)", "2.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerItems(api, cfg)
	registerVersions(api, cfg)
	registerToken(api, cfg)

	h := catalogHandlers{cfg: cfg}
	router.Put(catalogsPath+"/register", h.register)
	router.Post(catalogsPath+"/{id}/register/version", h.registerVersion)
	router.Get(catalogsPath+"/{id}/versions/{version}/download", h.download)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrVersionExists):
		return newAPIError(http.StatusConflict, "version_exists", "Version already exists", nil)
	case errors.Is(err, errForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, errBadRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        healthPath,
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerItems(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog-items",
		Method:      http.MethodGet,
		Path:        catalogsPath,
		Summary:     "List registered catalog items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ItemList `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListCatalogItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ItemList{Items: []ItemResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, itemResponse(it))
		}
		return &struct {
			Body ItemList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerVersions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog-versions",
		Method:      http.MethodGet,
		Path:        catalogsPath + "/{id}/versions",
		Summary:     "List the versions of a catalog item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VersionList `json:"body"`
	}, error) {
		item, err := cfg.Repo.GetCatalogItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		versions, err := cfg.Repo.ListCatalogVersions(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := VersionList{Items: []VersionResponse{}}
		for _, v := range versions {
			resp.Items = append(resp.Items, versionResponse(v))
		}
		return &struct {
			Body VersionList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerToken(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-download-token",
		Method:      http.MethodPost,
		Path:        tokenPath,
		Summary:     "Mint a bearer token for the calling subscription key",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		expires := cfg.now().Add(cfg.Auth.tokenTTL())
		token, err := signToken(cfg.Auth.JWTSecret, p.KeyID, cfg.now(), expires)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)}}, nil
	})
}
