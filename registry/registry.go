// Package registry implements a minimal OCI Distribution read client: repository
// catalog listing and the referrers API (with its tag-schema fallback), both
// scoped to what guestinit needs to discover artifacts related to an image it
// has already resolved.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tetrate-labs/containervm-toolkit/config"
	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
	"github.com/tetrate-labs/containervm-toolkit/logging"
	"github.com/tetrate-labs/containervm-toolkit/ociimage"
)

// catalogPageSize is the page size requested from the _catalog endpoint.
const catalogPageSize = 100

// mediaTypeImageIndex is the Accept header used for the referrers API and for
// resolving its tag-schema fallback.
const mediaTypeImageIndex = specs.MediaTypeImageIndex

type contextTransportKey struct{}

// TransportFromContext returns the http.RoundTripper stashed by
// ContextWithTransport, or http.DefaultTransport if none was set.
func TransportFromContext(ctx context.Context) http.RoundTripper {
	if t, ok := ctx.Value(contextTransportKey{}).(http.RoundTripper); ok {
		return t
	}
	return http.DefaultTransport
}

// ContextWithTransport returns a context carrying transport, for use by
// New(ctx) or for injecting a fake transport in tests.
func ContextWithTransport(ctx context.Context, transport http.RoundTripper) context.Context {
	return context.WithValue(ctx, contextTransportKey{}, transport)
}

// Client is a read-only OCI Distribution client bound to a single registry host.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for the registry reachable at baseURL (e.g.
// "https://registry.example.com"). The transport is taken from ctx via
// TransportFromContext if present at call time, otherwise each request falls
// back to http.DefaultTransport.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

// NewWithTransport returns a Client that always uses the given transport,
// ignoring any transport carried by the request context. Intended for tests.
func NewWithTransport(baseURL string, transport http.RoundTripper) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Transport: transport}}
}

// NewFromConfig returns a Client for baseURL whose timeout and TLS
// verification follow cfg.RegistryTimeout/cfg.RegistryInsecure, the
// toolkit-wide settings a cmd/guestinit invocation resolves from flags and
// GUESTINIT_REGISTRY_* environment variables.
func NewFromConfig(baseURL string, cfg config.Config) *Client {
	transport := http.DefaultTransport
	if cfg.RegistryInsecure {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RegistryTimeout,
		},
	}
}

func (c *Client) client(ctx context.Context) *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Transport: TransportFromContext(ctx)}
}

// get performs a GET against url with the given Accept header and returns the
// response body (fully read, never nil on a nil error) and status code. The
// caller inspects the status code directly rather than treating every
// non-200 as an error, since Referrers needs to distinguish 404 from other
// failures.
func (c *Client) get(ctx context.Context, rawURL, accept string) (body []byte, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, cerrors.Wrap(err, cerrors.ErrRemote, "registry.get")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	res, err := c.client(ctx).Do(req)
	if err != nil {
		return nil, 0, cerrors.Wrap(err, cerrors.ErrRemote, "registry.get")
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, cerrors.Wrap(err, cerrors.ErrRemote, "registry.get")
	}
	return b, res.StatusCode, nil
}

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

// Catalog lists repository names under prefix, one page at a time, against
// GET /v2/_catalog?n=<catalogPageSize>&last=<last>.
//
// If prefix is at least two characters long, the first request seeds
// last = prefix with its final character dropped, skipping directly to the
// neighborhood of the prefix instead of scanning the catalog from its start.
// Each returned page is filtered to names starting with prefix; the scan
// stops once a page's last entry neither starts with prefix nor sorts
// lexicographically at or before it (the catalog is known to be sorted, so
// such an entry means every following page is out of range), or once a page
// comes back short of catalogPageSize (no more pages).
//
// Results are not deduplicated; see DedupeByName for an opt-in pass.
func (c *Client) Catalog(ctx context.Context, prefix string) ([]string, error) {
	var (
		result []string
		last   string
	)
	if len(prefix) >= 2 {
		last = prefix[:len(prefix)-1]
	}

	for {
		page, err := c.catalogPage(ctx, last)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, name := range page {
			if prefix == "" || strings.HasPrefix(name, prefix) {
				result = append(result, name)
			}
		}

		lastEntry := page[len(page)-1]
		last = lastEntry
		outOfRange := prefix != "" && !strings.HasPrefix(lastEntry, prefix) && lastEntry > prefix
		if outOfRange || len(page) < catalogPageSize {
			break
		}
	}
	return result, nil
}

func (c *Client) catalogPage(ctx context.Context, last string) ([]string, error) {
	u := fmt.Sprintf("%s/v2/_catalog?n=%d", c.baseURL, catalogPageSize)
	if last != "" {
		u += "&last=" + url.QueryEscape(last)
	}
	body, status, err := c.get(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, cerrors.WrapWithDetail(cerrors.ErrUnexpectedStatus, cerrors.ErrRemote, "registry.catalog", fmt.Sprintf("status %d from %s", status, u))
	}
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrRemote, "registry.catalog")
	}
	return resp.Repositories, nil
}

// DedupeByName returns names with duplicates removed, preserving the order of
// first occurrence. Catalog never deduplicates on its own, since a registry
// serving overlapping pages is expected to be rare and callers that do expect
// it can opt in explicitly.
func DedupeByName(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// emptyIndex returns the canonical empty OCI image index used whenever
// Referrers cannot establish a real answer.
func emptyIndex() *ociimage.Index {
	idx := ociimage.EmptyIndex()
	return &idx
}

// Referrers returns the referrers index for repo/digest, optionally filtered
// to entries matching artifactType (empty means no filtering).
//
// It first tries GET /v2/{repo}/referrers/{digest}[?artifactType=...] with
// Accept: application/vnd.oci.image.index.v1+json. On exactly HTTP 404
// (meaning the registry does not implement the referrers API), it falls
// back to the tag schema: resolve the manifest tagged by replacing ':' with
// '-' in the digest, which by convention is itself an image index of
// referrers; if that fallback fetch or decode fails too, an empty index is
// returned rather than an error, since "no referrers" and "couldn't find
// out via the fallback" are indistinguishable to a caller that only wants
// to know what points at this digest. Any other status, a transport error,
// or a decode failure on the 200 response is a genuine registry failure and
// is surfaced as a non-nil ErrRemote error rather than silently treated as
// "no referrers".
func (c *Client) Referrers(ctx context.Context, repo string, dgst digest.Digest, artifactType string) (*ociimage.Index, error) {
	log := logging.WithDigest(logging.FromContext(ctx), dgst.String())

	u := fmt.Sprintf("%s/v2/%s/referrers/%s", c.baseURL, repo, dgst.String())
	if artifactType != "" {
		u += "?artifactType=" + url.QueryEscape(artifactType)
	}

	body, status, err := c.get(ctx, u, mediaTypeImageIndex)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrRemote, "registry.referrers")
	}

	switch status {
	case http.StatusOK:
		idx, err := ociimage.DecodeIndex(body)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrRemote, "registry.referrers")
		}
		return &idx, nil
	case http.StatusNotFound:
		log.Debug("referrers api not implemented, falling back to tag schema")
		return c.referrersTagFallback(ctx, repo, dgst, artifactType), nil
	default:
		return nil, cerrors.WrapWithDetail(cerrors.ErrUnexpectedStatus, cerrors.ErrRemote, "registry.referrers", fmt.Sprintf("status %d from %s", status, u))
	}
}

func (c *Client) referrersTagFallback(ctx context.Context, repo string, dgst digest.Digest, artifactType string) *ociimage.Index {
	tag := strings.ReplaceAll(dgst.String(), ":", "-")
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repo, tag)

	body, status, err := c.get(ctx, u, mediaTypeImageIndex)
	if err != nil || status != http.StatusOK {
		return emptyIndex()
	}

	idx, err := ociimage.DecodeIndex(body)
	if err != nil {
		return emptyIndex()
	}

	if artifactType != "" {
		filtered := idx.Manifests[:0]
		for _, m := range idx.Manifests {
			if m.ArtifactType == artifactType {
				filtered = append(filtered, m)
			}
		}
		idx.Manifests = filtered
	}
	if idx.Manifests == nil {
		idx.Manifests = []ociimage.Descriptor{}
	}
	return &idx
}
