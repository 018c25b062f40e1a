package registryserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// handleVersions serves GET /v1/packages/:pack/versions.
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("pack")
	versions, err := s.Store.Versions(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list versions")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleRecipeArchive serves GET /v1/packages/:pack/recipes/:version, the
// archive-bytes endpoint depservices.RegistryClient.RecipeArchive calls;
// it redirects the caller's bytes through the same archive blob path GET
// /archive/:name uses, keyed by the recipe's recorded archive id.
func (s *Server) handleRecipeArchive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("pack")
	version := r.PathValue("version")
	revision := r.URL.Query().Get("revision")

	row, err := s.Store.RecipeArchive(r.Context(), name, version, revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no such recipe version")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not read recipe")
		return
	}

	a, err := s.Store.archiveByID(r.Context(), row.ArchiveID)
	if err != nil {
		writeError(w, http.StatusNotFound, "recipe archive is missing")
		return
	}

	w.Header().Set("X-Digest", "sha-256="+a.SHA256)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))

	body, err := s.Storage.GetBlob(r.Context(), a.BlobRef, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read recipe archive")
		return
	}
	defer body.Close()
	_, _ = io.Copy(w, body)

	_ = s.Store.IncrementArchiveCounter(r.Context(), a.ID)
}

type publishRecipeRequest struct {
	ArchiveID    string `json:"archiveId"`
	Revision     string `json:"revision"`
	Readme       string `json:"readme,omitempty"`
	Signature    string `json:"signature,omitempty"`    // ASCII-armored detached PGP signature, optional
	PublisherKey string `json:"publisherKey,omitempty"` // ASCII-armored public key, required if Signature is set
}

// handlePublishRecipe records a finalized archive as a published (version,
// revision) of a package. The archive must already be upload_done=true:
// publish is a two-step flow (upload the bytes, then register the
// metadata), matching `dop publish`'s archive-then-announce sequence.
func (s *Server) handlePublishRecipe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	name := r.PathValue("pack")
	version := r.PathValue("version")

	var req publishRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArchiveID == "" || req.Revision == "" {
		writeError(w, http.StatusBadRequest, "archiveId and revision are required")
		return
	}

	a, err := s.Store.archiveByID(r.Context(), req.ArchiveID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such archive")
		return
	}
	if !a.UploadDone {
		writeError(w, http.StatusConflict, "archive upload is not finalized")
		return
	}

	if req.Signature != "" {
		if req.PublisherKey == "" {
			writeError(w, http.StatusBadRequest, "publisherKey is required when signature is set")
			return
		}
		body, err := s.Storage.GetBlob(r.Context(), a.BlobRef, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not verify signature")
			return
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not verify signature")
			return
		}
		if err := VerifySignedUpload(req.PublisherKey, data, req.Signature); err != nil {
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	user, err := s.Store.userByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not publish recipe")
		return
	}

	packageID, err := s.Store.UpsertPackage(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not publish recipe")
		return
	}

	if _, err := s.Store.RecipeArchive(r.Context(), name, version, req.Revision); err == nil {
		writeError(w, http.StatusConflict, "this version and revision is already published")
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "could not publish recipe")
		return
	}

	err = s.Store.InsertRecipe(r.Context(), packageID, RecipeRow{
		Version:   version,
		Revision:  req.Revision,
		ArchiveID: a.ID,
		Readme:    req.Readme,
		CreatedBy: user.Pseudo,
		CreatedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not publish recipe")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name, "version": version, "revision": req.Revision})
}

// handleSearchPackages serves GET /v1/packages, the query surface
// depservices.RegistryClient.Search exercises.
func (s *Server) handleSearchPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	opts := SearchOptions{
		Pattern:       q.Get("q"),
		Regex:         q.Get("regex") == "true",
		CaseSensitive: q.Get("caseSensitive") == "true",
		NameOnly:      q.Get("nameOnly") == "true",
		Extended:      q.Get("extended") == "true",
		LatestOnly:    q.Get("latestOnly") == "true",
		Limit:         limit,
	}

	entries, err := s.Store.SearchPackages(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
