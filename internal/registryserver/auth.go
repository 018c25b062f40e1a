package registryserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dopamine-pm/dop/internal/httputil"
)

const (
	idTokenTTL      = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour
)

// authRequest is POST /auth's body: an OAuth authorization code exchanged
// for a session, or (only when the server is running in test mode) a
// synthetic identity for e2e tests that cannot hold live OAuth credentials.
type authRequest struct {
	Provider string `json:"provider"` // "github", "google", or "test"
	Code     string `json:"code"`
	Email    string `json:"email,omitempty"` // test mode only
}

type authResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	Pseudo       string `json:"pseudo"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var email, pseudo string
	var err error
	switch req.Provider {
	case "github":
		email, pseudo, err = s.resolveGitHubIdentity(r.Context(), req.Code)
	case "google":
		email, pseudo, err = s.resolveGoogleIdentity(r.Context(), req.Code)
	case "test":
		if !s.TestMode {
			writeError(w, http.StatusBadRequest, "unsupported provider")
			return
		}
		if req.Email == "" {
			writeError(w, http.StatusBadRequest, "email is required in test mode")
			return
		}
		email = req.Email
		pseudo = strings.SplitN(email, "@", 2)[0]
	default:
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	if err != nil {
		s.Logger.Warn("oauth identity resolution failed", "provider", req.Provider, "error", err)
		writeError(w, http.StatusUnauthorized, "could not verify identity with provider")
		return
	}

	user, err := s.Store.UpsertUser(r.Context(), email, pseudo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	resp, err := s.issueSession(r.Context(), user.ID, user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	resp.Pseudo = user.Pseudo
	writeJSON(w, http.StatusOK, resp)
}

// githubEmail is the subset of GitHub's GET /user/emails response we need.
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubUser struct {
	Login string `json:"login"`
}

// resolveGitHubIdentity exchanges an authorization code for a GitHub access
// token, then reads the caller's GitHub login and primary verified email —
// the same golang.org/x/oauth2 + REST pattern depservices/alien.go uses for
// its own GitHub calls.
func (s *Server) resolveGitHubIdentity(ctx context.Context, code string) (email, pseudo string, err error) {
	client := oauthHTTPClient()
	ctx = httpClientContext(ctx, client)

	cfg := githubOAuthConfig(s.Config)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("exchange code: %w", err)
	}
	authed := cfg.Client(ctx, tok)

	var user githubUser
	if err := getJSON(authed, "https://api.github.com/user", &user); err != nil {
		return "", "", fmt.Errorf("fetch github user: %w", err)
	}

	var emails []githubEmail
	if err := getJSON(authed, "https://api.github.com/user/emails", &emails); err != nil {
		return "", "", fmt.Errorf("fetch github emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, user.Login, nil
		}
	}
	return "", "", fmt.Errorf("no verified primary email on github account")
}

// googleUserInfo is the subset of Google's userinfo endpoint we need.
type googleUserInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (s *Server) resolveGoogleIdentity(ctx context.Context, code string) (email, pseudo string, err error) {
	client := oauthHTTPClient()
	ctx = httpClientContext(ctx, client)

	cfg := googleOAuthConfig(s.Config)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("exchange code: %w", err)
	}
	authed := cfg.Client(ctx, tok)

	var info googleUserInfo
	if err := getJSON(authed, "https://www.googleapis.com/oauth2/v3/userinfo", &info); err != nil {
		return "", "", fmt.Errorf("fetch google userinfo: %w", err)
	}
	if !info.EmailVerified {
		return "", "", fmt.Errorf("google account email is not verified")
	}
	pseudo = info.Name
	if pseudo == "" {
		pseudo = strings.SplitN(info.Email, "@", 2)[0]
	}
	return info.Email, pseudo, nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (s *Server) issueSession(ctx context.Context, userID int64, email string) (authResponse, error) {
	idToken, err := newIDToken(s.JWTSecret, userID, email, idTokenTTL)
	if err != nil {
		return authResponse{}, err
	}

	raw, err := randomToken()
	if err != nil {
		return authResponse{}, err
	}
	if err := s.Store.InsertRefreshToken(ctx, userID, hashToken(raw), time.Now().Add(refreshTokenTTL)); err != nil {
		return authResponse{}, err
	}
	return authResponse{IDToken: idToken, RefreshToken: raw}, nil
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleTokenRefresh implements the reuse-detection rotation spec §8
// requires: a replayed or expired refresh token revokes every token
// belonging to its owner and reports 403, never silently issuing a new one.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	newRaw, err := randomToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not rotate session")
		return
	}

	userID, reuse, err := s.Store.RotateRefreshToken(r.Context(), hashToken(req.RefreshToken), hashToken(newRaw), time.Now().Add(refreshTokenTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not rotate session")
		return
	}
	if reuse {
		writeError(w, http.StatusForbidden, "refresh token reuse detected, all sessions revoked")
		return
	}

	user, err := s.Store.userByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not rotate session")
		return
	}
	idToken, err := newIDToken(s.JWTSecret, userID, user.Email, idTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not rotate session")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{IDToken: idToken, RefreshToken: newRaw, Pseudo: user.Pseudo})
}

type cliTokenRequest struct {
	Name string `json:"name"`
}

type cliTokenResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// handleCreateCLIToken mints a new named personal-access token for the
// authenticated user; the raw value is returned once and never again.
func (s *Server) handleCreateCLIToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req cliTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	raw, err := randomToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create token")
		return
	}
	tok, err := s.Store.InsertCLIToken(r.Context(), userID, req.Name, hashToken(raw))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create token")
		return
	}
	writeJSON(w, http.StatusCreated, cliTokenResponse{ID: tok.ID, Name: tok.Name, Token: raw})
}

func (s *Server) handleListCLITokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	toks, err := s.Store.ListCLITokens(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list tokens")
		return
	}
	out := make([]cliTokenResponse, 0, len(toks))
	for _, t := range toks {
		out = append(out, cliTokenResponse{ID: t.ID, Name: t.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeCLIToken(w http.ResponseWriter, r *http.Request, id int64) {
	userID, ok := s.authenticatedUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := s.Store.RevokeCLIToken(r.Context(), userID, id); err != nil {
		writeError(w, http.StatusNotFound, "no such token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticatedUser resolves the Authorization: Bearer header, accepting
// either a short-lived id token (signJWT) or a long-lived CLI token hash
// looked up in the store.
func (s *Server) authenticatedUser(r *http.Request) (int64, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return 0, false
	}
	if claims, err := verifyJWT(s.JWTSecret, raw); err == nil {
		if sub, ok := claims["sub"].(string); ok {
			var id int64
			if _, err := fmt.Sscanf(sub, "%d", &id); err == nil {
				return id, true
			}
		}
	}
	userID, err := s.Store.cliTokenUserByHash(r.Context(), hashToken(raw))
	if err != nil {
		return 0, false
	}
	return userID, true
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registryserver: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// oauthHTTPClient returns the SSRF-hardened client used for every outbound
// OAuth provider call, matching depservices/alien.go's own client choice.
func oauthHTTPClient() *http.Client {
	return httputil.NewSecureClient(httputil.DefaultOptions())
}
