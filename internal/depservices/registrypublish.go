package depservices

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dopamine-pm/dop/internal/doperrors"
)

// CreateArchiveResponse is POST /archive's body: the provisional archive id
// and a short-lived upload bearer scoped to it.
type CreateArchiveResponse struct {
	ID          string `json:"id"`
	UploadToken string `json:"uploadToken"`
}

// CreateArchive begins a content-addressed upload for a finished publish
// tarball, named per spec §6 as "<name>-<version>-<revision>.tar.xz".
func (c *RegistryClient) CreateArchive(ctx context.Context, name, kind string) (CreateArchiveResponse, error) {
	body, err := json.Marshal(map[string]string{"name": name, "kind": kind})
	if err != nil {
		return CreateArchiveResponse{}, fmt.Errorf("depservices: encode create-archive request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/archive", bytes.NewReader(body))
	if err != nil {
		return CreateArchiveResponse{}, fmt.Errorf("depservices: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return CreateArchiveResponse{}, doperrors.New(doperrors.KindNetworkError, name, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return CreateArchiveResponse{}, doperrors.New(doperrors.KindAuthError, name, "registry rejected credentials", nil)
	}
	if resp.StatusCode != http.StatusCreated {
		return CreateArchiveResponse{}, doperrors.New(doperrors.KindNetworkError, name, fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	var out CreateArchiveResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return CreateArchiveResponse{}, fmt.Errorf("depservices: decode create-archive response: %w", err)
	}
	return out, nil
}

// UploadArchiveBlob streams data to the upload bearer's archive id,
// computing its SHA-256 and sending it via X-Digest for the server to
// verify against what it actually received, per spec §6/§8.
func (c *RegistryClient) UploadArchiveBlob(ctx context.Context, archiveID, uploadToken string, data []byte) (sha256Hex string, err error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/archive/"+url.PathEscape(archiveID), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("depservices: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+uploadToken)
	req.Header.Set("X-Digest", "sha-256="+digest)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", doperrors.New(doperrors.KindNetworkError, archiveID, err.Error(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return digest, nil
	case http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return "", doperrors.New(doperrors.KindIntegrityError, archiveID, string(body), nil)
	case http.StatusConflict:
		return "", doperrors.New(doperrors.KindIntegrityError, archiveID, "archive already uploaded", nil)
	case http.StatusForbidden, http.StatusUnauthorized:
		return "", doperrors.New(doperrors.KindAuthError, archiveID, "upload token invalid or expired", nil)
	default:
		return "", doperrors.New(doperrors.KindNetworkError, archiveID, fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}
}

// PublishRecipe registers a finalized archive as a published (version,
// revision) of a package, the second half of the archive-then-announce
// publish flow.
func (c *RegistryClient) PublishRecipe(ctx context.Context, name, version, revision, archiveID, readme string) error {
	body, err := json.Marshal(map[string]string{
		"archiveId": archiveID, "revision": revision, "readme": readme,
	})
	if err != nil {
		return fmt.Errorf("depservices: encode publish request: %w", err)
	}

	path := fmt.Sprintf("/v1/packages/%s/recipes/%s", url.PathEscape(name), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("depservices: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return doperrors.New(doperrors.KindNetworkError, name, err.Error(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return doperrors.New(doperrors.KindIntegrityError, name, fmt.Sprintf("%s %s is already published", version, revision), nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return doperrors.New(doperrors.KindAuthError, name, "registry rejected credentials", nil)
	default:
		return doperrors.New(doperrors.KindNetworkError, name, fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}
}
