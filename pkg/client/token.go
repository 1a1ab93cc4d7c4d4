package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// TokenSource supplies bearer tokens for outbound calls. It is a capability
// handed to the HTTP client at construction; components never fetch tokens
// themselves.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Used when the deployment shares a
// static service secret, and in tests.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// issuedToken is one token obtained from the security service
type issuedToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SecurityTokenSource fetches service tokens from the security collaborator
// and caches them until shortly before expiry.
type SecurityTokenSource struct {
	securityURL  string
	clientID     string
	clientSecret string

	http *http.Client

	mu      sync.Mutex
	current *issuedToken
}

// refreshMargin is how long before expiry a cached token is discarded, so a
// token is never presented in its final seconds of validity.
const refreshMargin = 30 * time.Second

// NewSecurityTokenSource creates a token source against the security service
func NewSecurityTokenSource(securityURL, clientID, clientSecret string) *SecurityTokenSource {
	return &SecurityTokenSource{
		securityURL:  securityURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   10 * time.Second,
		},
	}
}

// Token returns a cached token, fetching a fresh one when the cache is
// empty or within the refresh margin of expiry.
func (s *SecurityTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && time.Until(s.current.ExpiresAt) > refreshMargin {
		return s.current.Token, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.current = token
	return token.Token, nil
}

func (s *SecurityTokenSource) fetch(ctx context.Context) (*issuedToken, error) {
	body, err := json.Marshal(map[string]string{
		"clientId":     s.clientID,
		"clientSecret": s.clientSecret,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/auth/service", s.securityURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token fetch failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token fetch returned status %d", resp.StatusCode)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"` // seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("token fetch returned malformed body: %v", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("token fetch returned empty token")
	}

	now := time.Now()
	return &issuedToken{
		Token:     out.Token,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
