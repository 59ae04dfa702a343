package iec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

const (
	iecRedirectURL = "https://www.iec.co.il/.auth-redirect"
	iecUserDomain  = "@iec.co.il"

	// tokens are refreshed this long before they expire
	tokenRefreshLeeway = 5 * time.Minute
)

func (c *HTTP) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authURL + "/oauth2/default/v1/authorize",
			TokenURL:  c.authURL + "/oauth2/default/v1/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: iecRedirectURL,
		Scopes:      []string{"openid", "email", "profile", "offline_access"},
	}
}

func (c *HTTP) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

func jwtFromOAuth(tok *oauth2.Token, prev *types.JWT) *types.JWT {
	j := &types.JWT{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(tok.ExpiresIn),
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		j.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		j.Scope = scope
	}
	// Okta omits the refresh and id tokens on refresh responses
	if prev != nil {
		if j.RefreshToken == "" {
			j.RefreshToken = prev.RefreshToken
		}
		if j.IDToken == "" {
			j.IDToken = prev.IDToken
		}
		if j.Scope == "" {
			j.Scope = prev.Scope
		}
	}
	return j
}

// CheckToken refreshes the session when it is about to expire.
func (c *HTTP) CheckToken(ctx context.Context) (bool, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == nil || token.AccessToken == "" {
		return false, fmt.Errorf("%w: no session", ErrAuthFailed)
	}
	if !token.Expired(c.now(), tokenRefreshLeeway) {
		return false, nil
	}
	if err := c.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *HTTP) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil || c.token.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrAuthFailed)
	}

	// an expiry in the past forces the token source to refresh
	src := c.oauthConfig().TokenSource(c.oauthContext(ctx), &oauth2.Token{
		AccessToken:  c.token.AccessToken,
		RefreshToken: c.token.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh iec token", slog.Any("error", err))
		return fmt.Errorf("%w: refresh: %w", ErrAuthFailed, err)
	}
	c.token = jwtFromOAuth(tok, c.token)
	log.Ctx(ctx).InfoContext(ctx, "refreshed iec token", slog.Time("expiresAt", c.token.ExpiresAt))
	return nil
}

type authnFactor struct {
	ID         string `json:"id"`
	FactorType string `json:"factorType"`
	Provider   string `json:"provider"`
}

type authnResponse struct {
	StateToken   string `json:"stateToken"`
	SessionToken string `json:"sessionToken"`
	Status       string `json:"status"`
	Embedded     struct {
		Factors []authnFactor `json:"factors"`
	} `json:"_embedded"`
}

type oktaError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
}

func (c *HTTP) doAuthnRequest(ctx context.Context, endpoint string, body any) (authnResponse, error) {
	req, err := c.newPostJSONRequest(ctx, c.authURL, endpoint, body)
	if err != nil {
		return authnResponse{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return authnResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var oe oktaError
		decodeErr := decodeJSON(resp.Body, &oe)
		log.Ctx(ctx).WarnContext(ctx, "okta authn failed",
			slog.Int("status", resp.StatusCode),
			slog.String("errorCode", oe.ErrorCode),
			slog.String("errorSummary", oe.ErrorSummary),
			slog.Any("decodeError", decodeErr),
		)
		if oe.ErrorSummary == "" {
			return authnResponse{}, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		}
		return authnResponse{}, fmt.Errorf("%w: %s", ErrAuthFailed, oe.ErrorSummary)
	}

	var ar authnResponse
	if err := decodeJSON(resp.Body, &ar); err != nil {
		return authnResponse{}, fmt.Errorf("failed to decode authn response: %w", err)
	}
	return ar, nil
}

// LoginWithID starts the OTP login for the given Israeli ID number. IEC sends
// the one time password by SMS or email; the returned string is the factor
// type used.
func (c *HTTP) LoginWithID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("missing user id")
	}

	ar, err := c.doAuthnRequest(ctx, "api/v1/authn", map[string]any{
		"username": userID + iecUserDomain,
	})
	if err != nil {
		return "", err
	}
	if ar.StateToken == "" || len(ar.Embedded.Factors) == 0 {
		return "", fmt.Errorf("%w: no otp factor available", ErrAuthFailed)
	}
	factor := ar.Embedded.Factors[0]

	// verifying without a pass code triggers the otp delivery
	if _, err := c.doAuthnRequest(ctx, "api/v1/authn/factors/"+url.PathEscape(factor.ID)+"/verify", map[string]any{
		"stateToken": ar.StateToken,
	}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.userID = userID
	c.stateToken = ar.StateToken
	c.factorID = factor.ID
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "iec otp sent", slog.String("factorType", factor.FactorType))
	return factor.FactorType, nil
}

// VerifyOTP finishes the login started by LoginWithID and stores the new
// session on the client.
func (c *HTTP) VerifyOTP(ctx context.Context, otp string) (*types.JWT, error) {
	c.mu.Lock()
	stateToken, factorID := c.stateToken, c.factorID
	c.mu.Unlock()
	if stateToken == "" {
		return nil, ErrNotLoggedIn
	}

	ar, err := c.doAuthnRequest(ctx, "api/v1/authn/factors/"+url.PathEscape(factorID)+"/verify", map[string]any{
		"stateToken": stateToken,
		"passCode":   otp,
	})
	if err != nil {
		return nil, err
	}
	if ar.Status != "SUCCESS" || ar.SessionToken == "" {
		return nil, fmt.Errorf("%w: otp verification status %s", ErrAuthFailed, ar.Status)
	}

	cfg := c.oauthConfig()
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(uuid.NewString(),
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("sessionToken", ar.SessionToken),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
	code, err := c.authorize(ctx, authURL)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to exchange iec code", slog.Any("error", err))
		return nil, fmt.Errorf("%w: exchange: %w", ErrAuthFailed, err)
	}

	jwt := jwtFromOAuth(tok, nil)
	c.mu.Lock()
	c.token = jwt
	c.stateToken = ""
	c.factorID = ""
	c.mu.Unlock()

	t := *jwt
	return &t, nil
}

// authorize follows the authorize endpoint up to the redirect and returns the
// code from it.
func (c *HTTP) authorize(ctx context.Context, authURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	noRedirect := *c.client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	loc, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("%w: authorize status %d without redirect", ErrAuthFailed, resp.StatusCode)
	}
	if e := loc.Query().Get("error"); e != "" {
		return "", fmt.Errorf("%w: authorize: %s", ErrAuthFailed, e)
	}
	code := loc.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: authorize redirect missing code", ErrAuthFailed)
	}
	return code, nil
}

// UserID returns the ID number of the last login.
func (c *HTTP) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}
