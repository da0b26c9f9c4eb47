// internal/sheets/credentials.go
package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"sheetbridge/internal/common/config"
)

const (
	ScopeReadOnly  = "https://www.googleapis.com/auth/spreadsheets.readonly"
	ScopeReadWrite = "https://www.googleapis.com/auth/spreadsheets"
)

// ErrNoCredentials means no usable credential source is configured. Callers
// run cache-only when they see it.
var ErrNoCredentials = errors.New("google credentials not configured")

// Scope returns the OAuth scope needed for the configured mode.
func Scope(cfg config.SheetsConfig) string {
	if cfg.WriteBack {
		return ScopeReadWrite
	}
	return ScopeReadOnly
}

// TokenSource resolves credentials in order: service account (inline JSON or
// a path, optionally impersonating DelegatedSubject), then OAuth client
// secrets with a previously authorized token in TokenStore.
func TokenSource(ctx context.Context, cfg config.SheetsConfig) (oauth2.TokenSource, error) {
	scope := Scope(cfg)

	if cfg.ServiceAccountJSON != "" {
		data, err := readInlineOrFile(cfg.ServiceAccountJSON)
		if err != nil {
			return nil, fmt.Errorf("read service account: %w", err)
		}
		jwtCfg, err := google.JWTConfigFromJSON(data, scope)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		jwtCfg.Subject = cfg.DelegatedSubject
		return jwtCfg.TokenSource(ctx), nil
	}

	if cfg.OAuthClientSecrets != "" {
		secrets, err := os.ReadFile(cfg.OAuthClientSecrets)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: client secrets %s not found", ErrNoCredentials, cfg.OAuthClientSecrets)
		}
		if err != nil {
			return nil, fmt.Errorf("read client secrets: %w", err)
		}
		oauthCfg, err := google.ConfigFromJSON(secrets, scope)
		if err != nil {
			return nil, fmt.Errorf("parse client secrets: %w", err)
		}
		tok, err := loadToken(cfg.TokenStore)
		if err != nil {
			return nil, err
		}
		return &storedTokenSource{
			base: oauth2.ReuseTokenSource(tok, oauthCfg.TokenSource(ctx, tok)),
			path: cfg.TokenStore,
			last: tok.AccessToken,
		}, nil
	}

	return nil, ErrNoCredentials
}

func readInlineOrFile(v string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		return []byte(v), nil
	}
	return os.ReadFile(v)
}

func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: token store not configured", ErrNoCredentials)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no authorized token at %s", ErrNoCredentials, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// storedTokenSource writes refreshed tokens back to the token store.
type storedTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *storedTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.path, tok); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
