package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixaill76/free_llm_dispatch/internal/clock"
)

type mockTokenSource struct {
	token      *oauth2.Token
	callCount  int
	shouldFail bool
	err        error
}

func (m *mockTokenSource) Token() (*oauth2.Token, error) {
	m.callCount++
	if m.shouldFail {
		return nil, m.err
	}
	return m.token, nil
}

func newTestManager() (*TokenManager, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTokenManager(clk, logger), clk
}

func writeServiceAccount(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal service account: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write service account: %v", err)
	}
	return path
}

func TestNewTokenManager(t *testing.T) {
	tm, _ := newTestManager()

	if tm == nil {
		t.Fatal("NewTokenManager returned nil")
	}
	if tm.tokens == nil {
		t.Error("tokens map is nil")
	}
	if tm.refreshEarly != 5*time.Minute {
		t.Errorf("refreshEarly = %v, want 5m", tm.refreshEarly)
	}
}

func TestGetToken_NoFile(t *testing.T) {
	tm, _ := newTestManager()

	_, err := tm.GetToken(context.Background(), "")
	if err == nil {
		t.Error("expected error for missing credentials file, got nil")
	}
}

func TestGetToken_FileNotFound(t *testing.T) {
	tm, _ := newTestManager()

	_, err := tm.GetToken(context.Background(), "/nonexistent/path.json")
	if err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}

func TestGetToken_InvalidJSON(t *testing.T) {
	tm, _ := newTestManager()

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("not-json"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := tm.GetToken(context.Background(), path)
	if err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestGetToken_WrongAccountType(t *testing.T) {
	tm, _ := newTestManager()

	path := writeServiceAccount(t, map[string]interface{}{"type": "user"})

	_, err := tm.GetToken(context.Background(), path)
	if err == nil {
		t.Error("expected error for non-service-account type, got nil")
	}
}

func TestGetToken_CachedTokenReuse(t *testing.T) {
	tm, clk := newTestManager()

	expiry := clk.Now().Add(1 * time.Hour)
	mockSource := &mockTokenSource{
		token: &oauth2.Token{AccessToken: "fresh-token", Expiry: expiry},
	}

	tm.mu.Lock()
	tm.tokens["/sa.json"] = &cachedToken{
		token:       mockSource.token,
		tokenSource: mockSource,
		expiresAt:   expiry,
	}
	tm.mu.Unlock()

	token, err := tm.GetToken(context.Background(), "/sa.json")
	if err != nil {
		t.Fatalf("expected no error for cached valid token, got: %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("expected 'fresh-token', got '%s'", token)
	}
	if mockSource.callCount > 0 {
		t.Error("Token() should not be called for a non-expired cached token")
	}
}

func TestGetToken_RefreshesNearExpiry(t *testing.T) {
	tm, clk := newTestManager()

	// Expires in 3 minutes, inside the 5 minute refresh buffer.
	nearExpiry := clk.Now().Add(3 * time.Minute)
	newExpiry := clk.Now().Add(2 * time.Hour)

	mockSource := &mockTokenSource{
		token: &oauth2.Token{AccessToken: "new-token", Expiry: newExpiry},
	}

	tm.mu.Lock()
	tm.tokens["/sa.json"] = &cachedToken{
		token:       &oauth2.Token{AccessToken: "old-token", Expiry: nearExpiry},
		tokenSource: mockSource,
		expiresAt:   nearExpiry,
	}
	tm.mu.Unlock()

	token, err := tm.GetToken(context.Background(), "/sa.json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if token != "new-token" {
		t.Errorf("expected refreshed token, got %s", token)
	}
	if mockSource.callCount != 1 {
		t.Errorf("expected 1 Token() call for refresh, got %d", mockSource.callCount)
	}

	expiry, ok := tm.TokenExpiry("/sa.json")
	if !ok {
		t.Fatal("expected cached expiry after refresh")
	}
	if !expiry.Equal(newExpiry) {
		t.Errorf("expiry = %v, want %v", expiry, newExpiry)
	}
}

func TestGetToken_RefreshFailureEvictsToken(t *testing.T) {
	tm, clk := newTestManager()

	expired := clk.Now().Add(-1 * time.Hour)
	mockSource := &mockTokenSource{
		shouldFail: true,
		err:        os.ErrNotExist,
	}

	tm.mu.Lock()
	tm.tokens["/sa.json"] = &cachedToken{
		token:       &oauth2.Token{AccessToken: "old-token", Expiry: expired},
		tokenSource: mockSource,
		expiresAt:   expired,
	}
	tm.mu.Unlock()

	if _, err := tm.GetToken(context.Background(), "/sa.json"); err == nil {
		t.Error("expected error when token refresh fails")
	}

	if _, ok := tm.TokenExpiry("/sa.json"); ok {
		t.Error("failed refresh should evict the cached token")
	}
}

func TestClearToken(t *testing.T) {
	tm, clk := newTestManager()

	tm.mu.Lock()
	tm.tokens["/sa.json"] = &cachedToken{
		token:     &oauth2.Token{AccessToken: "token"},
		expiresAt: clk.Now().Add(time.Hour),
	}
	tm.mu.Unlock()

	tm.ClearToken("/sa.json")

	if _, ok := tm.TokenExpiry("/sa.json"); ok {
		t.Error("token should be cleared but still exists")
	}
}

func TestTokenExpiry_Missing(t *testing.T) {
	tm, _ := newTestManager()

	if _, ok := tm.TokenExpiry("/never.json"); ok {
		t.Error("expected false for non-existent token")
	}
}
