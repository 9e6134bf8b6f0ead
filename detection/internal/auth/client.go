// Package auth checks whether a rule may be executed in its space.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

var (
	ErrForbidden     = errors.New("rule execution not authorized")
	ErrMissingSecret = errors.New("auth secret is required")
)

// ServiceName is the subject and issuer of the tokens this service signs.
const ServiceName = "telhawk-detection"

// Claims identify the detection service to the auth service.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type authorizeResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Client asks the auth service to authorize rule executions. Each request
// carries a short-lived HS256 service token.
type Client struct {
	baseURL  string
	secret   []byte
	tokenTTL time.Duration
	http     *http.Client
	now      func() time.Time
}

func NewClient(baseURL, secret string, timeout time.Duration) (*Client, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   []byte(secret),
		tokenTTL: time.Minute,
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

func (c *Client) serviceToken() (string, error) {
	now := c.now()
	claims := Claims{
		Roles: []string{"detection"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ServiceName,
			Issuer:    ServiceName,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Authorize returns nil when the auth service allows the request and
// ErrForbidden when it refuses it.
func (c *Client) Authorize(ctx context.Context, authz models.Authorization) error {
	token, err := c.serviceToken()
	if err != nil {
		return fmt.Errorf("failed to sign service token: %w", err)
	}

	body, err := json.Marshal(authz)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/authorize", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authorize request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s/%s in space %s", ErrForbidden, authz.Producer, authz.RuleType, authz.SpaceID)
	default:
		return fmt.Errorf("auth authorize returned %d", resp.StatusCode)
	}

	var ar authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("failed to decode authorize response: %w", err)
	}
	if !ar.Allowed {
		if ar.Reason != "" {
			return fmt.Errorf("%w: %s", ErrForbidden, ar.Reason)
		}
		return ErrForbidden
	}
	return nil
}

// AllowAll authorizes every request. It is used when no auth service is configured.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, models.Authorization) error { return nil }
