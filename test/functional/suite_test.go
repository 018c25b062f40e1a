package functional

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cucumber/godog"

	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/registryserver"
)

type stateKeyType struct{}

var stateKey = stateKeyType{}

// testState carries everything one scenario needs: the dop CLI binary and
// an isolated $DOP_HOME/recipe directory pair, plus a registry instance
// spun up fresh for that scenario with DOP_REGISTRY_TESTMODE-equivalent
// behavior (TestMode: true) so scenarios can authenticate without live
// GitHub/Google OAuth credentials.
type testState struct {
	binPath   string
	homeDir   string
	recipeDir string
	workDir   string // scratch dir for registry db/blobs, removed after the scenario

	registry    *httptest.Server
	registryURL string
	store       *registryserver.Store

	idToken              string
	cliToken             string
	refreshToken         string
	previousRefreshToken string

	archiveID   string
	uploadToken string

	stdout   string
	stderr   string
	exitCode int

	lastStatus int
	lastBody   []byte
}

func getState(ctx context.Context) *testState {
	if s, ok := ctx.Value(stateKey).(*testState); ok {
		return s
	}
	return nil
}

func setState(ctx context.Context, s *testState) context.Context {
	return context.WithValue(ctx, stateKey, s)
}

func TestFeatures(t *testing.T) {
	binPath := os.Getenv("DOP_TEST_BINARY")
	if binPath == "" {
		t.Skip("DOP_TEST_BINARY not set; run via 'make test-functional'")
	}

	absBin, err := filepath.Abs(binPath)
	if err != nil {
		t.Fatalf("resolving binary path: %v", err)
	}
	binPath = absBin

	opts := &godog.Options{
		Format:   "pretty",
		Paths:    []string{"features"},
		TestingT: t,
	}
	if tags := os.Getenv("DOP_TEST_TAGS"); tags != "" {
		opts.Tags = tags
	}

	suite := godog.TestSuite{
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			initializeScenario(ctx, binPath)
		},
		Options: opts,
	}
	if suite.Run() != 0 {
		t.Fatal("functional tests failed")
	}
}

// testJWTSecret is fixed rather than random: scenarios only ever talk to
// the registry instance this suite starts for them, so there is nothing
// to gain from per-scenario secret rotation.
const testJWTSecret = "dop-functional-test-secret"

func initializeScenario(ctx *godog.ScenarioContext, binPath string) {
	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		workDir, err := os.MkdirTemp("", "dop-functional-")
		if err != nil {
			return ctx, err
		}
		homeDir := filepath.Join(workDir, "home")
		recipeDir := filepath.Join(workDir, "recipe")
		for _, d := range []string{homeDir, recipeDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return ctx, err
			}
		}

		cfg := &config.ServerConfig{
			JWTSecret:     testJWTSecret,
			DBConnString:  filepath.Join(workDir, "registry.db"),
			DBPoolMaxSize: 4,
			StorageDir:    filepath.Join(workDir, "blobs"),
		}
		store, err := registryserver.Open(cfg.DBConnString, cfg.DBPoolMaxSize)
		if err != nil {
			return ctx, err
		}
		storage := registryserver.NewFilesystemStorage(cfg.StorageDir)
		logger := log.New(slog.NewTextHandler(io.Discard, nil))
		srv := registryserver.NewServer(store, storage, cfg, logger, true)
		httpSrv := httptest.NewServer(srv.Handler())

		state := &testState{
			binPath:     binPath,
			homeDir:     homeDir,
			recipeDir:   recipeDir,
			workDir:     workDir,
			registry:    httpSrv,
			registryURL: httpSrv.URL,
			store:       store,
		}
		return setState(ctx, state), nil
	})

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		state := getState(ctx)
		if state == nil {
			return ctx, err
		}
		state.registry.Close()
		state.store.Close()
		os.RemoveAll(state.workDir)
		return ctx, err
	})

	// Environment / fixture steps.
	ctx.Step(`^a clean dop environment$`, aCleanDopEnvironment)
	ctx.Step(`^a recipe named "([^"]*)" version "([^"]*)"$`, aRecipeNamedVersion)
	ctx.Step(`^I am registered in test mode as "([^"]*)"$`, iAmRegisteredInTestModeAs)
	ctx.Step(`^I am logged in to the registry as "([^"]*)"$`, iAmLoggedInToTheRegistryAs)
	ctx.Step(`^I create an archive named "([^"]*)"$`, iCreateAnArchiveNamed)
	ctx.Step(`^I upload bytes "([^"]*)" to the archive with its correct digest$`, iUploadBytesToTheArchiveWithCorrectDigest)
	ctx.Step(`^I upload bytes "([^"]*)" to the archive with digest "([^"]*)"$`, iUploadBytesToTheArchiveWithDigest)
	ctx.Step(`^I publish the archive as "([^"]*)" version "([^"]*)" revision "([^"]*)"$`, iPublishTheArchiveAsVersionRevision)
	ctx.Step(`^I request the archive "([^"]*)" with Range header "([^"]*)"$`, iRequestTheArchiveWithRangeHeader)
	ctx.Step(`^I refresh my session$`, iRefreshMySession)
	ctx.Step(`^I try to reuse my previous refresh token$`, iTryToReuseMyPreviousRefreshToken)

	// Command steps.
	ctx.Step(`^I run "([^"]*)"$`, iRun)

	// CLI assertion steps.
	ctx.Step(`^the exit code is (\d+)$`, theExitCodeIs)
	ctx.Step(`^the exit code is not (\d+)$`, theExitCodeIsNot)
	ctx.Step(`^the output contains "([^"]*)"$`, theOutputContains)
	ctx.Step(`^the output does not contain "([^"]*)"$`, theOutputDoesNotContain)
	ctx.Step(`^the error output contains "([^"]*)"$`, theErrorOutputContains)
	ctx.Step(`^the error output does not contain "([^"]*)"$`, theErrorOutputDoesNotContain)
	ctx.Step(`^the file "([^"]*)" exists in the recipe directory$`, theFileExistsInRecipeDir)

	// Registry HTTP protocol steps.
	ctx.Step(`^I send "(GET|HEAD|POST|PUT|DELETE)" "([^"]*)" to the registry$`, iSendToTheRegistry)
	ctx.Step(`^I send "(GET|HEAD|POST|PUT|DELETE)" "([^"]*)" to the registry with body:$`, iSendToTheRegistryWithBody)
	ctx.Step(`^I send "(GET|HEAD|POST|PUT|DELETE)" "([^"]*)" to the registry with header "([^"]*)" "([^"]*)" and body:$`, iSendToTheRegistryWithHeaderAndBody)
	ctx.Step(`^the registry response status is (\d+)$`, theRegistryResponseStatusIs)
	ctx.Step(`^the registry response body contains "([^"]*)"$`, theRegistryResponseBodyContains)
}
