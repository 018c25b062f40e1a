package functional

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cucumber/godog"
)

// aCleanDopEnvironment is a no-op: the Before hook already built a fresh
// $DOP_HOME, recipe directory, and registry instance. The step exists so
// feature files read naturally as a Given.
func aCleanDopEnvironment(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

const sampleDependencyFreeRecipe = `
name = %q
version = %q
description = "a functional test fixture"

function dependencies(p)
  return {}
end

function build(dirs, config, deps)
  dop.mkdir({p = dirs.install, recurse = true})
  local marker = dop.path(dirs.install, "built.txt")
  local f = io.open(marker, "w")
  f:write(config.profile.build_type)
  f:close()
end
`

// aRecipeNamedVersion writes a minimal dependency-free dopamine.lua into
// the scenario's recipe directory, the same shape
// internal/engine's own load/build tests use.
func aRecipeNamedVersion(ctx context.Context, name, version string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	contents := fmt.Sprintf(sampleDependencyFreeRecipe, name, version)
	return os.WriteFile(filepath.Join(state.recipeDir, "dopamine.lua"), []byte(contents), 0o644)
}

// iAmRegisteredInTestModeAs authenticates against the scenario's registry
// using the "test" provider (only enabled because the suite starts the
// server with TestMode: true), storing the session's id token for
// subsequent authenticated HTTP steps.
func iAmRegisteredInTestModeAs(ctx context.Context, email string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	body, _ := json.Marshal(map[string]string{"provider": "test", "email": email})
	resp, err := http.Post(state.registryURL+"/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST /auth: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /auth: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	state.idToken = out.IDToken
	state.refreshToken = out.RefreshToken
	return nil
}

// iRefreshMySession rotates the current refresh token, the way a CLI
// invocation would transparently do when its id token has expired. The
// token being replaced is kept around so a later step can replay it.
func iRefreshMySession(ctx context.Context) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	return rotateRefreshToken(state, state.refreshToken, true)
}

// iTryToReuseMyPreviousRefreshToken replays a refresh token already
// consumed by a prior rotation, exercising the reuse-detection path that
// revokes every session belonging to its owner.
func iTryToReuseMyPreviousRefreshToken(ctx context.Context) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	return rotateRefreshToken(state, state.previousRefreshToken, false)
}

func rotateRefreshToken(state *testState, token string, remember bool) error {
	body, _ := json.Marshal(map[string]string{"refreshToken": token})
	resp, err := http.Post(state.registryURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST /auth/token: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = data

	if remember && resp.StatusCode == http.StatusOK {
		var out struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode token-refresh response: %w", err)
		}
		state.previousRefreshToken = token
		state.refreshToken = out.RefreshToken
	}
	return nil
}

// iAmLoggedInToTheRegistryAs registers email via the test provider, mints
// a CLI token, and persists it via `dop login` exactly the way a real user
// would after completing OAuth in a browser.
func iAmLoggedInToTheRegistryAs(ctx context.Context, email string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	if err := iAmRegisteredInTestModeAs(ctx, email); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"name": "functional-test"})
	req, err := http.NewRequest(http.MethodPost, state.registryURL+"/auth/cli-tokens", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+state.idToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST /auth/cli-tokens: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST /auth/cli-tokens: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode cli-token response: %w", err)
	}
	state.cliToken = out.Token

	_, stderr, code, err := runDopCommand(state, "login", "--registry", state.registryURL, out.Token)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("dop login exited %d: %s", code, stderr)
	}
	return nil
}

// runDopCommand runs the dop binary under test from the scenario's recipe
// directory, with DOP_HOME and DOP_REGISTRY_URL scoped to this scenario.
func runDopCommand(state *testState, args ...string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.Command(state.binPath, args...)
	cmd.Dir = state.recipeDir
	cmd.Env = append(os.Environ(),
		"DOP_HOME="+state.homeDir,
		"DOP_REGISTRY_URL="+state.registryURL,
	)

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	runErr := cmd.Run()
	stdout, stderr = out.String(), errOut.String()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, 0, fmt.Errorf("command execution failed: %w", runErr)
	}
	return stdout, stderr, 0, nil
}

// iRun executes a command string, substituting a leading "dop" with the
// binary under test, the same convention the CLI's own functional suite
// has always used.
func iRun(ctx context.Context, command string) (context.Context, error) {
	state := getState(ctx)
	if state == nil {
		return ctx, fmt.Errorf("no test state; is the Before hook running?")
	}

	args := strings.Fields(command)
	if len(args) == 0 {
		return ctx, fmt.Errorf("empty command")
	}
	if args[0] == "dop" {
		args[0] = state.binPath
	}

	stdout, stderr, code, err := runDopCommand(state, args[1:]...)
	if err != nil {
		return ctx, err
	}
	state.stdout, state.stderr, state.exitCode = stdout, stderr, code
	return ctx, nil
}

func theExitCodeIs(ctx context.Context, expected int) error {
	state := getState(ctx)
	if state.exitCode != expected {
		return fmt.Errorf("expected exit code %d, got %d\nstdout: %s\nstderr: %s",
			expected, state.exitCode, state.stdout, state.stderr)
	}
	return nil
}

func theExitCodeIsNot(ctx context.Context, notExpected int) error {
	state := getState(ctx)
	if state.exitCode == notExpected {
		return fmt.Errorf("expected exit code to not be %d\nstdout: %s\nstderr: %s",
			notExpected, state.stdout, state.stderr)
	}
	return nil
}

func theOutputContains(ctx context.Context, text string) error {
	state := getState(ctx)
	if !strings.Contains(state.stdout, text) {
		return fmt.Errorf("expected stdout to contain %q, got:\n%s", text, state.stdout)
	}
	return nil
}

func theOutputDoesNotContain(ctx context.Context, text string) error {
	state := getState(ctx)
	if strings.Contains(state.stdout, text) {
		return fmt.Errorf("expected stdout not to contain %q, got:\n%s", text, state.stdout)
	}
	return nil
}

func theErrorOutputContains(ctx context.Context, text string) error {
	state := getState(ctx)
	if !strings.Contains(state.stderr, text) {
		return fmt.Errorf("expected stderr to contain %q, got:\n%s", text, state.stderr)
	}
	return nil
}

func theErrorOutputDoesNotContain(ctx context.Context, text string) error {
	state := getState(ctx)
	if strings.Contains(state.stderr, text) {
		return fmt.Errorf("expected stderr not to contain %q, got:\n%s", text, state.stderr)
	}
	return nil
}

func theFileExistsInRecipeDir(ctx context.Context, path string) error {
	state := getState(ctx)
	fullPath := filepath.Join(state.recipeDir, path)
	if _, err := os.Lstat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("expected file %q to exist", fullPath)
	}
	return nil
}

// iSendToTheRegistry issues a bare request (no body) against the
// scenario's registry instance, authenticated with the CLI token from a
// prior "I am logged in" step when one exists.
func iSendToTheRegistry(ctx context.Context, method, path string) error {
	return doRegistryRequest(ctx, method, path, nil, "", "")
}

func iSendToTheRegistryWithBody(ctx context.Context, method, path string, body *godog.DocString) error {
	return doRegistryRequest(ctx, method, path, []byte(body.Content), "", "")
}

func iSendToTheRegistryWithHeaderAndBody(ctx context.Context, method, path, headerName, headerValue string, body *godog.DocString) error {
	return doRegistryRequest(ctx, method, path, []byte(body.Content), headerName, headerValue)
}

func doRegistryRequest(ctx context.Context, method, path string, body []byte, extraHeader, extraValue string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, state.registryURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if extraHeader != "" {
		req.Header.Set(extraHeader, extraValue)
	}
	if state.cliToken != "" {
		req.Header.Set("Authorization", "Bearer "+state.cliToken)
	} else if state.idToken != "" {
		req.Header.Set("Authorization", "Bearer "+state.idToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = data
	return nil
}

func theRegistryResponseStatusIs(ctx context.Context, expected int) error {
	state := getState(ctx)
	if state.lastStatus != expected {
		return fmt.Errorf("expected registry response status %d, got %d: %s", expected, state.lastStatus, state.lastBody)
	}
	return nil
}

func theRegistryResponseBodyContains(ctx context.Context, text string) error {
	state := getState(ctx)
	if !strings.Contains(string(state.lastBody), text) {
		return fmt.Errorf("expected registry response body to contain %q, got:\n%s", text, state.lastBody)
	}
	return nil
}

// iCreateAnArchiveNamed begins a content-addressed upload, storing the
// provisional archive id and its short-lived upload bearer for the steps
// that follow.
func iCreateAnArchiveNamed(ctx context.Context, name string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	body, _ := json.Marshal(map[string]string{"name": name, "kind": "recipe"})
	req, err := http.NewRequest(http.MethodPost, state.registryURL+"/archive", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+state.authBearer())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST /archive: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST /archive: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		ID          string `json:"id"`
		UploadToken string `json:"uploadToken"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode create-archive response: %w", err)
	}
	state.archiveID = out.ID
	state.uploadToken = out.UploadToken
	return nil
}

func (s *testState) authBearer() string {
	if s.cliToken != "" {
		return s.cliToken
	}
	return s.idToken
}

func uploadArchiveBytes(state *testState, payload []byte, digestHex string) error {
	req, err := http.NewRequest(http.MethodPut, state.registryURL+"/archive/"+state.archiveID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+state.uploadToken)
	req.Header.Set("X-Digest", "sha-256="+digestHex)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT /archive/%s: %w", state.archiveID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = data
	return nil
}

func iUploadBytesToTheArchiveWithCorrectDigest(ctx context.Context, payload string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	sum := sha256.Sum256([]byte(payload))
	return uploadArchiveBytes(state, []byte(payload), hex.EncodeToString(sum[:]))
}

func iUploadBytesToTheArchiveWithDigest(ctx context.Context, payload, digestHex string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	return uploadArchiveBytes(state, []byte(payload), digestHex)
}

// iPublishTheArchiveAsVersionRevision registers the last created (and by
// now finalized) archive as a published package version, exercising the
// same archive-then-announce sequence `dop publish` drives.
func iPublishTheArchiveAsVersionRevision(ctx context.Context, pack, version, revision string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	body, _ := json.Marshal(map[string]string{"archiveId": state.archiveID, "revision": revision})
	url := fmt.Sprintf("%s/v1/packages/%s/recipes/%s", state.registryURL, pack, version)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+state.authBearer())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = data
	return nil
}

// iRequestTheArchiveWithRangeHeader exercises GET /archive/:name's Range
// handling: a single "bytes=start-end" spec that overshoots the content
// length is clamped to a satisfiable 206, not rejected; only a start past
// the end of the content, a malformed spec, or a multi-range spec 400s.
func iRequestTheArchiveWithRangeHeader(ctx context.Context, name, rangeHeader string) error {
	state := getState(ctx)
	if state == nil {
		return fmt.Errorf("no test state; is the Before hook running?")
	}
	req, err := http.NewRequest(http.MethodGet, state.registryURL+"/archive/"+name, nil)
	if err != nil {
		return err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET /archive/%s: %w", name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = data
	return nil
}
