// Package auth issues OAuth2 access tokens for Vertex AI service accounts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenManager caches OAuth2 tokens per service account file and refreshes
// them shortly before expiry.
type TokenManager struct {
	mu           sync.Mutex
	tokens       map[string]*cachedToken
	clk          clock.Clock
	logger       *slog.Logger
	refreshEarly time.Duration
}

type cachedToken struct {
	token       *oauth2.Token
	tokenSource oauth2.TokenSource
	expiresAt   time.Time
}

func NewTokenManager(clk clock.Clock, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		tokens:       make(map[string]*cachedToken),
		clk:          clk,
		logger:       logger,
		refreshEarly: 5 * time.Minute,
	}
}

// GetToken returns a valid access token for the given service account file.
func (tm *TokenManager) GetToken(ctx context.Context, credentialsFile string) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if cached, exists := tm.tokens[credentialsFile]; exists {
		if tm.clk.Now().Before(cached.expiresAt.Add(-tm.refreshEarly)) {
			return cached.token.AccessToken, nil
		}

		tm.logger.Debug("refreshing vertex token",
			"credentials_file", credentialsFile,
			"expires_at", cached.expiresAt,
		)

		newToken, err := cached.tokenSource.Token()
		if err != nil {
			tm.logger.Error("failed to refresh vertex token",
				"credentials_file", credentialsFile,
				"error", err,
			)
			delete(tm.tokens, credentialsFile)
			return "", fmt.Errorf("failed to refresh token: %w", err)
		}

		cached.token = newToken
		cached.expiresAt = newToken.Expiry
		tm.logger.Info("vertex token refreshed",
			"credentials_file", credentialsFile,
			"expires_at", newToken.Expiry,
		)
		return newToken.AccessToken, nil
	}

	if credentialsFile == "" {
		return "", fmt.Errorf("no credentials file provided")
	}

	credBytes, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials file %s: %w", credentialsFile, err)
	}

	var serviceAccount map[string]interface{}
	if err := json.Unmarshal(credBytes, &serviceAccount); err != nil {
		return "", fmt.Errorf("invalid service account JSON: %w", err)
	}
	if accountType, ok := serviceAccount["type"].(string); !ok || accountType != "service_account" {
		return "", fmt.Errorf("credentials must be for a service account, got type: %v", serviceAccount["type"])
	}

	creds, err := google.CredentialsFromJSON(ctx, credBytes, cloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("failed to create credentials: %w", err)
	}

	token, err := creds.TokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get initial token: %w", err)
	}

	tm.tokens[credentialsFile] = &cachedToken{
		token:       token,
		tokenSource: creds.TokenSource,
		expiresAt:   token.Expiry,
	}

	tm.logger.Info("vertex token created",
		"credentials_file", credentialsFile,
		"expires_at", token.Expiry,
	)

	return token.AccessToken, nil
}

// ClearToken removes a cached token.
func (tm *TokenManager) ClearToken(credentialsFile string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.tokens, credentialsFile)
	tm.logger.Debug("cleared cached token", "credentials_file", credentialsFile)
}

// TokenExpiry returns the expiry time of a cached token.
func (tm *TokenManager) TokenExpiry(credentialsFile string) (time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if cached, exists := tm.tokens[credentialsFile]; exists {
		return cached.expiresAt, true
	}
	return time.Time{}, false
}
