package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"dmsdk/internal/catalog"
	"dmsdk/internal/db"
	"dmsdk/internal/domain"
	"dmsdk/internal/migrate"
	"dmsdk/internal/repo"
)

const (
	ownerKey  = "owner-key"
	otherKey  = "other-key"
	jwtSecret = "test-secret"
)

type testServer struct {
	URL   string
	Repo  repo.Repo
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	for name, key := range map[string]string{"owner": ownerKey, "other": otherKey} {
		if _, err := EnsureSubscriptionKey(context.Background(), r, name, key); err != nil {
			t.Fatalf("seed key: %v", err)
		}
	}
	handler, err := New(Config{Repo: r, Auth: AuthConfig{JWTSecret: jwtSecret, Logger: log.New(io.Discard, "", 0)}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:  "http://" + ln.Addr().String(),
		Repo: r,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func metadataZip(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.yml")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + catalogsPath)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"]["code"])
}

func TestPublishAndDownloadRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	client := catalog.New(ts.URL)
	id := uuid.New()

	reg, err := client.Register(ctx, metadataZip(t, "id: "+id.String()+"\nname: Alpha\ntype: DMAPP\n"), ownerKey)
	require.NoError(t, err)
	require.Equal(t, uuid.NewSHA1(storageNamespace, []byte(id.String())).String(), reg.ArtifactID)

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0-rc1"} {
		_, err := client.UploadVersion(ctx, []byte("pkg "+v), "Alpha."+v+".dmapp", ownerKey, reg.ArtifactID, v, "")
		require.NoError(t, err)
	}
	_, err = client.UploadVersion(ctx, []byte("again"), "Alpha.1.0.0.dmapp", ownerKey, reg.ArtifactID, "1.0.0", "")
	var exists *catalog.VersionAlreadyExistsError
	require.ErrorAs(t, err, &exists)

	versions, err := client.ListVersions(ctx, id, otherKey)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Equal(t, "No description provided.", versions[0].Description)

	item, err := client.Download(ctx, domain.CatalogIdentifier{ID: id, Selection: domain.Range("[1.0.0,3.0.0)", false)}, otherKey)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", item.Version)
	require.Equal(t, domain.CatalogItemDmapp, item.Type)
	require.Equal(t, []byte("pkg 1.1.0"), item.Content)

	item, err = client.Download(ctx, domain.CatalogIdentifier{ID: id, Selection: domain.Range("[1.0.0,3.0.0)", true)}, otherKey)
	require.NoError(t, err)
	require.Equal(t, "2.0.0-rc1", item.Version)
}

func TestOnlyOwnerMayUpload(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	client := catalog.New(ts.URL)
	id := uuid.New()
	reg, err := client.Register(ctx, metadataZip(t, "id: "+id.String()+"\nname: Alpha\n"), ownerKey)
	require.NoError(t, err)

	_, err = client.UploadVersion(ctx, []byte("x"), "a.dmapp", otherKey, reg.ArtifactID, "1.0.0", "")
	var authErr *catalog.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusForbidden, authErr.StatusCode)

	_, err = client.Register(ctx, metadataZip(t, "id: "+id.String()+"\nname: Hijack\n"), otherKey)
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusForbidden, authErr.StatusCode)

	_, err = client.Register(ctx, metadataZip(t, "name: x\n"), "unknown-key")
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)

	stored, err := ts.Repo.GetCatalogItem(ctx, id.String())
	require.NoError(t, err)
	require.Equal(t, "Alpha", stored.Name)
}

func TestRegisterRejectsBadMetadata(t *testing.T) {
	ts := newTestServer(t)
	client := catalog.New(ts.URL)

	_, err := client.Register(context.Background(), []byte("not a zip"), ownerKey)
	var regErr *catalog.RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, http.StatusBadRequest, regErr.StatusCode)

	_, err = client.Register(context.Background(), metadataZip(t, "id: nope\n"), ownerKey)
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, http.StatusBadRequest, regErr.StatusCode)
}

func TestBearerTokenDownload(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	owner := catalog.New(ts.URL)
	id := uuid.New()
	reg, err := owner.Register(ctx, metadataZip(t, "id: "+id.String()+"\ntype: protocol\n"), ownerKey)
	require.NoError(t, err)
	_, err = owner.UploadVersion(ctx, []byte("proto"), "Connector.1.0.0.zip", ownerKey, reg.ArtifactID, "1.0.0", "first")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+tokenPath, nil)
	require.NoError(t, err)
	req.Header.Set(SubscriptionKeyHeader, otherKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.Token)

	reader := catalog.New(ts.URL)
	reader.BearerToken = tok.Token
	_, err = reader.Download(ctx, domain.CatalogIdentifier{ID: id, Selection: domain.Pinned("1.0.0")}, "")
	require.ErrorIs(t, err, catalog.ErrInvalidArgument)

	item, err := reader.Download(ctx, domain.CatalogIdentifier{ID: id, Selection: domain.Pinned("1.0.0")}, "ignored-when-bearer-is-set")
	require.NoError(t, err)
	require.Equal(t, domain.CatalogItemProtocol, item.Type)

	reader.BearerToken = "garbage"
	_, err = reader.Download(ctx, domain.CatalogIdentifier{ID: id, Selection: domain.Pinned("1.0.0")}, otherKey)
	var authErr *catalog.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func zipFiles(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadManifestPicksShallowestThenByName(t *testing.T) {
	files := map[string]string{
		"b/manifest.yml":      "name: FromB\n",
		"a/catalog.yml":       "name: FromA\n",
		"deep/x/manifest.yml": "name: Deep\n",
		"readme.txt":          "hello",
	}
	order := []string{"deep/x/manifest.yml", "b/manifest.yml", "readme.txt", "a/catalog.yml"}
	for i := 0; i < 20; i++ {
		m, err := readManifest(zipFiles(t, files, order))
		require.NoError(t, err)
		require.Equal(t, "FromA", m.Name)
	}

	files["Manifest.yml"] = "name: Root\n"
	m, err := readManifest(zipFiles(t, files, append(order, "Manifest.yml")))
	require.NoError(t, err)
	require.Equal(t, "Root", m.Name)
	require.Equal(t, "dmapp", m.Type)
}
