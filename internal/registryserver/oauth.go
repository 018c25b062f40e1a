package registryserver

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/dopamine-pm/dop/internal/config"
)

// httpClientContext arranges for oauth2's code-exchange and token-source
// HTTP calls to go through client instead of http.DefaultClient, the hook
// golang.org/x/oauth2 documents via the oauth2.HTTPClient context key.
func httpClientContext(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// githubOAuthConfig builds the oauth2.Config dop-registryd uses to exchange
// a GitHub OAuth code for the caller's verified email, the same
// golang.org/x/oauth2 stack depservices/alien.go already uses for GitHub
// release fetches.
func githubOAuthConfig(cfg *config.ServerConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubSecret,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     github.Endpoint,
		RedirectURL:  cfg.FrontendOrigin + "/auth/callback/github",
	}
}

// googleOAuthConfig builds the Google analogue of githubOAuthConfig.
func googleOAuthConfig(cfg *config.ServerConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleSecret,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.FrontendOrigin + "/auth/callback/google",
	}
}
