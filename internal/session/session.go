// Package session owns Spotify authentication: the OAuth flow, token
// persistence and the active session handed to the rest of the service.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tunedive/internal/core"
)

// FilePermission is the permission for token files
const FilePermission = 0600

type TokenData struct {
	Token *oauth2.Token `json:"token"`
}

// Manager implements core.SessionProvider. It holds the authenticated
// Spotify client and the derived session for the current user.
type Manager struct {
	config *core.SpotifyConfig
	logger *zap.Logger
	auth   *spotifyauth.Authenticator

	mu      sync.RWMutex
	client  *spotify.Client
	session *core.Session
}

func NewManager(config *core.SpotifyConfig, logger *zap.Logger) *Manager {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeStreaming,
			spotifyauth.ScopeUserModifyPlaybackState,
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopeUserLibraryModify,
			spotifyauth.ScopeUserLibraryRead,
		),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)

	return &Manager{
		config: config,
		logger: logger,
		auth:   auth,
	}
}

// Authenticate establishes a session from a saved token, falling back to an
// interactive OAuth flow when no valid token exists.
func (m *Manager) Authenticate(ctx context.Context) error {
	token, err := m.loadToken()
	if err != nil {
		m.logger.Info("No saved token found, starting OAuth flow")
		return m.startOAuthFlow(ctx)
	}

	client := spotify.New(m.auth.Client(ctx, token))

	user, err := client.CurrentUser(ctx)
	if err != nil {
		m.logger.Warn("Saved token invalid, starting OAuth flow", zap.Error(err))
		return m.startOAuthFlow(ctx)
	}

	m.install(client, token, user.ID)

	m.logger.Info("Authenticated successfully", zap.String("user", user.DisplayName))
	return nil
}

func (m *Manager) startOAuthFlow(ctx context.Context) error {
	state := "tunedive-auth-state"
	authURL := m.auth.AuthURL(state)

	fmt.Printf("Please visit the following URL to authorize the application:\n%s\n", authURL)
	fmt.Print("Enter the authorization code: ")

	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}

	token, err := m.auth.Exchange(ctx, code)
	if err != nil {
		return core.WrapError(core.ErrKindAuthentication, "failed to exchange code for token", err)
	}

	if saveErr := m.saveToken(token); saveErr != nil {
		m.logger.Warn("Failed to save token", zap.Error(saveErr))
	}

	client := spotify.New(m.auth.Client(ctx, token))

	user, err := client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}

	m.install(client, token, user.ID)

	m.logger.Info("OAuth flow completed successfully", zap.String("user", user.DisplayName))
	return nil
}

func (m *Manager) install(client *spotify.Client, token *oauth2.Token, userID string) {
	m.mu.Lock()
	m.client = client
	m.session = &core.Session{
		AccessToken: token.AccessToken,
		UserID:      userID,
	}
	m.mu.Unlock()
}

// Client returns the authenticated Spotify client, or nil before sign-in.
func (m *Manager) Client() *spotify.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Session returns the active session, or nil when signed out.
func (m *Manager) Session() *core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// SignOut drops the session and removes the persisted token.
func (m *Manager) SignOut() {
	m.mu.Lock()
	m.client = nil
	m.session = nil
	m.mu.Unlock()

	if err := os.Remove(m.config.TokenPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove token file", zap.Error(err))
	}

	m.logger.Info("Signed out")
}

// Invalidate drops the in-memory session without touching the token file;
// used when the vendor reports the token as expired.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.client = nil
	m.session = nil
	m.mu.Unlock()
}

func (m *Manager) loadToken() (*oauth2.Token, error) {
	file, err := os.Open(m.config.TokenPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	var tokenData TokenData
	if err := json.Unmarshal(data, &tokenData); err != nil {
		return nil, err
	}

	return tokenData.Token, nil
}

func (m *Manager) saveToken(token *oauth2.Token) error {
	tokenData := TokenData{Token: token}

	data, err := json.MarshalIndent(tokenData, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.config.TokenPath, data, FilePermission)
}
