package registry

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/tetrate-labs/containervm-toolkit/config"
	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
	"github.com/tetrate-labs/containervm-toolkit/ociimage"
)

func TestCatalogSkipAheadAndStop(t *testing.T) {
	var gotLast []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/_catalog", r.URL.Path)
		last := r.URL.Query().Get("last")
		gotLast = append(gotLast, last)

		var repos []string
		switch last {
		case "li":
			repos = []string{"lib/one", "lib/two", "lic/zzz"}
		default:
			repos = []string{}
		}
		_ = json.NewEncoder(w).Encode(struct {
			Repositories []string `json:"repositories"`
		}{Repositories: repos})
	}))
	defer srv.Close()

	c := New(srv.URL)
	names, err := c.Catalog(context.Background(), "lib")
	require.NoError(t, err)
	require.Equal(t, []string{"lib/one", "lib/two"}, names)
	// the page's last entry ("lic/zzz") neither starts with "lib" nor sorts
	// at or before it, so the scan stops after the single skip-ahead request.
	require.Equal(t, []string{"li"}, gotLast)
}

func TestCatalogNoPrefixScansFromStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "", r.URL.Query().Get("last"))
		_ = json.NewEncoder(w).Encode(struct {
			Repositories []string `json:"repositories"`
		}{Repositories: []string{"public/repo1", "public/repo2"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	names, err := c.Catalog(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"public/repo1", "public/repo2"}, names)
}

func TestCatalogContinuesWhilePageIsFull(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var repos []string
		switch calls {
		case 1:
			repos = make([]string, catalogPageSize)
			for i := range repos {
				repos[i] = "repo"
			}
			repos[catalogPageSize-1] = "repo-last"
		default:
			repos = []string{"repo-final"}
		}
		_ = json.NewEncoder(w).Encode(struct {
			Repositories []string `json:"repositories"`
		}{Repositories: repos})
	}))
	defer srv.Close()

	c := New(srv.URL)
	names, err := c.Catalog(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Contains(t, names, "repo-final")
}

func TestReferrersUsesAPIWhenAvailable(t *testing.T) {
	dgst := digest.FromString("hello")
	want := ociimage.EmptyIndex()
	want.Manifests = []ociimage.Descriptor{
		{MediaType: "application/vnd.oci.image.manifest.v1+json", Digest: digest.FromString("referrer"), Size: 5},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/example/referrers/"+dgst.String(), r.URL.Path)
		w.Header().Set("Content-Type", want.MediaType)
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Referrers(context.Background(), "example", dgst, "")
	require.NoError(t, err)
	require.Len(t, got.Manifests, 1)
	require.Equal(t, want.Manifests[0].Digest, got.Manifests[0].Digest)
}

func TestReferrersFallsBackToTagSchemaOn404(t *testing.T) {
	dgst := digest.FromString("hello")
	tag := "sha256-" + dgst.Encoded()

	fallback := ociimage.EmptyIndex()
	fallback.Manifests = []ociimage.Descriptor{
		{MediaType: "application/vnd.oci.image.manifest.v1+json", Digest: digest.FromString("tagged-referrer"), Size: 7, ArtifactType: "example/sbom"},
		{MediaType: "application/vnd.oci.image.manifest.v1+json", Digest: digest.FromString("other"), Size: 7, ArtifactType: "example/other"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/example/referrers/" + dgst.String():
			w.WriteHeader(http.StatusNotFound)
		case "/v2/example/manifests/" + tag:
			_ = json.NewEncoder(w).Encode(fallback)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Referrers(context.Background(), "example", dgst, "example/sbom")
	require.NoError(t, err)
	require.Len(t, got.Manifests, 1)
	require.Equal(t, "example/sbom", got.Manifests[0].ArtifactType)
}

func TestReferrersReturnsEmptyIndexWhenFallbackFails(t *testing.T) {
	dgst := digest.FromString("hello")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Referrers(context.Background(), "example", dgst, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got.Manifests)
	require.Equal(t, 2, got.SchemaVersion)
}

func TestReferrersSurfacesNon404Status(t *testing.T) {
	dgst := digest.FromString("hello")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Referrers(context.Background(), "example", dgst, "")
	require.Nil(t, got)
	require.Error(t, err)
	require.True(t, goerrors.Is(err, cerrors.ErrUnexpectedStatus))
}

func TestNewFromConfigAppliesTimeoutAndInsecure(t *testing.T) {
	cfg := config.Default()
	cfg.RegistryTimeout = 5 * time.Second
	cfg.RegistryInsecure = true

	c := NewFromConfig("https://registry.example.com", cfg)
	require.Equal(t, 5*time.Second, c.httpClient.Timeout)
	transport, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	require.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestDedupeByName(t *testing.T) {
	in := []string{"a", "b", "a", "c", "b"}
	require.Equal(t, []string{"a", "b", "c"}, DedupeByName(in))
}
