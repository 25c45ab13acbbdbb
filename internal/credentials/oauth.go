package credentials

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuth client registered for the Gemini CLI. These are public installed-app
// identifiers, not secrets in the confidential-client sense.
const (
	DefaultOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultOAuthClientSecret = "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"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// OAuthRefresher exchanges a credential's refresh token for a new access
// token at the Google OAuth endpoint.
type OAuthRefresher struct {
	cfg    oauth2.Config
	logger *slog.Logger
}

func NewOAuthRefresher(clientID, clientSecret string, logger *slog.Logger) *OAuthRefresher {
	if clientID == "" {
		clientID = DefaultOAuthClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultOAuthClientSecret
	}

	return &OAuthRefresher{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{cloudPlatformScope},
		},
		logger: logger,
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, cred Credential) (string, error) {
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("credential has no refresh token")
	}

	ts := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	r.logger.Debug("Minted new access token", "expires_at", token.Expiry)
	return token.AccessToken, nil
}
