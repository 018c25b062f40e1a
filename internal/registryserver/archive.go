package registryserver

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	"github.com/dopamine-pm/dop/internal/archive"
)

const uploadBearerTTL = 3 * time.Minute

type createArchiveRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "recipe" or "stage"
}

type createArchiveResponse struct {
	ID          string `json:"id"`
	UploadToken string `json:"uploadToken"`
}

// handleCreateArchive begins a content-addressed upload: it mints a
// provisional archive row and a short-lived upload bearer token, the
// {supportSlice, storeBlob, blobSize, blobSha256, getBlob} state machine
// spec §4.I/§5 describe.
func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id := uuid.NewString()
	user, err := s.Store.userByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create archive")
		return
	}
	if err := s.Store.CreateProvisionalArchive(r.Context(), id, req.Name, req.Kind, user.Pseudo); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create archive")
		return
	}
	tok, err := newUploadToken(s.JWTSecret, id, req.Name, req.Kind, uploadBearerTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create archive")
		return
	}
	writeJSON(w, http.StatusCreated, createArchiveResponse{ID: id, UploadToken: tok})
}

// handleGetArchive serves GET/HEAD /archive/:name, honoring a single-range
// Range header and reporting the content's SHA-256 via the X-Digest header
// depservices.RegistryClient.RecipeArchive parses.
func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/archive/")
	if name == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	a, err := s.Store.ArchiveByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no such archive")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not read archive")
		return
	}

	w.Header().Set("X-Digest", "sha-256="+a.SHA256)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")

	rng, status, err := parseRangeHeader(r.Header.Get("Range"), a.Size)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, a.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.End-rng.Start+1, 10))
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	body, err := s.Storage.GetBlob(r.Context(), a.BlobRef, rng)
	if err != nil {
		s.Logger.Error("read archive blob failed", "archive", name, "error", err)
		return
	}
	defer body.Close()
	io.Copy(w, body) //nolint:errcheck

	_ = s.Store.IncrementArchiveCounter(r.Context(), a.ID)
}

// parseRangeHeader accepts only the single-range "bytes=start-end" form;
// spec §9 notes sources reject multi-range requests, and this server does
// the same rather than implement multipart/byteranges responses.
func parseRangeHeader(header string, size int64) (rng *ByteRange, status int, err error) {
	if header == "" {
		return nil, http.StatusOK, nil
	}
	if strings.Count(header, ",") > 0 {
		return nil, 0, fmt.Errorf("multi-range requests are not supported")
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, 0, fmt.Errorf("unsupported range unit")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("malformed range")
	}

	var start, end int64
	if parts[0] == "" {
		// Suffix range "-N": the last N bytes.
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return nil, 0, fmt.Errorf("malformed range")
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("malformed range")
		}
		if parts[1] == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("malformed range")
			}
		}
	}
	if start < 0 || end < start || start >= size {
		return nil, 0, fmt.Errorf("range not satisfiable")
	}
	if end >= size {
		end = size - 1
	}
	return &ByteRange{Start: start, End: end}, http.StatusPartialContent, nil
}

// handleUploadArchiveBlob streams the archive body referenced by an upload
// bearer token, comparing the streamed SHA-256 against X-Digest before
// finalizing.
func (s *Server) handleUploadArchiveBlob(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := verifyJWT(s.JWTSecret, raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired upload token")
		return
	}
	archiveID, _ := claims["sub"].(string)
	wantDigest := strings.TrimPrefix(r.Header.Get("X-Digest"), "sha-256=")
	if archiveID == "" || wantDigest == "" {
		writeError(w, http.StatusBadRequest, "missing upload metadata")
		return
	}
	if pathID := r.PathValue("id"); pathID != "" && pathID != archiveID {
		writeError(w, http.StatusForbidden, "upload token does not match archive id")
		return
	}

	a, err := s.Store.archiveByID(r.Context(), archiveID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such archive")
		return
	}
	if a.UploadDone {
		writeError(w, http.StatusConflict, "archive already uploaded")
		return
	}

	blobID := uuid.NewString()
	gotDigest, size, err := s.Storage.StoreBlob(r.Context(), blobID, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not store archive")
		return
	}
	if gotDigest != wantDigest {
		_ = s.Store.DeleteArchive(r.Context(), archiveID)
		writeError(w, http.StatusBadRequest, "uploaded content does not match X-Digest")
		return
	}

	files, err := s.indexArchiveMembers(r.Context(), blobID, a.Name)
	if err != nil {
		s.Logger.Warn("could not index archive members", "archive", archiveID, "error", err)
	}

	if err := s.Store.FinalizeArchive(r.Context(), archiveID, gotDigest, blobID, size, files); err != nil {
		writeError(w, http.StatusInternalServerError, "could not finalize archive")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": archiveID, "sha256": gotDigest})
}

// indexArchiveMembers reads back the just-stored blob and records its
// regular file members into archive_file, so
// GET /v1/packages/:pack/recipes/:version callers (and future "what's inside
// this archive" tooling) don't need to download and decompress the archive
// themselves. tar+xz is the primary format (spec §6); tar.gz, tar.zst, and
// tar.lz are accepted as equivalents, selected by name exactly the way
// internal/archive.DetectFormat picks a codec for local Create/Extract.
func (s *Server) indexArchiveMembers(ctx context.Context, blobID, name string) ([]ArchiveFile, error) {
	body, err := s.Storage.GetBlob(ctx, blobID, nil)
	if err != nil {
		return nil, fmt.Errorf("registryserver: reopen blob for indexing: %w", err)
	}
	defer body.Close()

	var zr io.Reader
	switch archive.DetectFormat(name) {
	case archive.FormatTarGZ:
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("registryserver: not a gzip archive: %w", err)
		}
		defer gz.Close()
		zr = gz
	case archive.FormatTarZstd:
		zd, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("registryserver: not a zstd archive: %w", err)
		}
		defer zd.Close()
		zr = zd
	case archive.FormatTarLzip:
		lr, err := lzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("registryserver: not an lzip archive: %w", err)
		}
		zr = lr
	case archive.FormatTar:
		zr = body
	default: // archive.FormatTarXZ
		xr, err := xz.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("registryserver: not an xz archive: %w", err)
		}
		zr = xr
	}

	var files []ArchiveFile
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("registryserver: read tar entry: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			files = append(files, ArchiveFile{Path: hdr.Name, Size: hdr.Size})
		}
	}
	return files, nil
}
