// Package backend talks to the telephony backend's HTTP API: GET /token for
// the signaling credential and POST /call to originate a call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type Client struct {
	BaseURL   string
	TokenPath string
	CallPath  string
	// DefaultTTL applies when the token carries no exp claim.
	DefaultTTL time.Duration
	Source     string
	HTTP       *http.Client

	now func() time.Time
}

func NewClient(baseURL string, timeout, defaultTTL time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenPath:  "/token",
		CallPath:   "/call",
		DefaultTTL: defaultTTL,
		Source:     "callconsole",
		HTTP:       &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) FetchCredential(ctx context.Context) (domain.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+c.TokenPath, nil)
	if err != nil {
		return domain.Credential{}, &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Credential{}, &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return domain.Credential{}, &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: err}
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return domain.Credential{}, &domain.CredentialError{Kind: domain.Unauthorized, Err: statusErr(res.StatusCode, body)}
	case res.StatusCode >= 300:
		return domain.Credential{}, &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: statusErr(res.StatusCode, body)}
	}

	token, err := tokenFrom(body)
	if err != nil {
		return domain.Credential{}, &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: err}
	}
	now := c.now()
	cred := domain.Credential{Token: token, IssuedAt: now, ExpiresAt: c.expiry(token, now)}
	log.Debug().Str("module", "adapters.backend").Time("expires_at", cred.ExpiresAt).Msg("credential fetched")
	return cred, nil
}

// tokenFrom accepts a JSON string, an object with token or accessToken, or
// any object with a single string field.
func tokenFrom(body []byte) (string, error) {
	var s string
	if err := json.Unmarshal(body, &s); err == nil && s != "" {
		return s, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		if raw := strings.TrimSpace(string(body)); raw != "" && !strings.ContainsAny(raw, "{}[]\" ") {
			return raw, nil
		}
		return "", fmt.Errorf("token response: %w", err)
	}
	for _, key := range []string{"token", "accessToken", "access_token"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v, nil
		}
	}
	var found string
	for _, v := range obj {
		if s, ok := v.(string); ok && s != "" {
			if found != "" {
				return "", errors.New("token response: ambiguous string fields")
			}
			found = s
		}
	}
	if found == "" {
		return "", errors.New("token response: no token")
	}
	return found, nil
}

func (c *Client) expiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(c.DefaultTTL)
}

type callParams struct {
	To           string `json:"to"`
	From         string `json:"from,omitempty"`
	AudioEnabled bool   `json:"audioEnabled"`
	MediaType    string `json:"mediaType"`
}

type callPayload struct {
	Params    callParams `json:"params"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	WebRTC    bool       `json:"webrtc"`
}

func (c *Client) PlaceCall(ctx context.Context, cred domain.Credential, req domain.CallRequest) (domain.CallAck, error) {
	at := req.At
	if at.IsZero() {
		at = c.now()
	}
	body, err := json.Marshal(callPayload{
		Params:    callParams{To: req.To.String(), From: req.From, AudioEnabled: true, MediaType: "audio"},
		Timestamp: at.UTC(),
		Source:    c.Source,
		WebRTC:    true,
	})
	if err != nil {
		return domain.CallAck{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.CallPath, bytes.NewReader(body))
	if err != nil {
		return domain.CallAck{}, &domain.SignalingError{Kind: domain.BackendRejected, Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+cred.Token)

	res, err := c.HTTP.Do(hreq)
	if err != nil {
		return domain.CallAck{}, &domain.SignalingError{Kind: domain.BackendRejected, Err: err}
	}
	defer res.Body.Close()

	resBody, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode >= 300 {
		log.Warn().Str("module", "adapters.backend").Int("status", res.StatusCode).Msg("call rejected")
		return domain.CallAck{}, &domain.SignalingError{
			Kind:   domain.BackendRejected,
			Status: res.StatusCode,
			Err:    errors.New(strings.TrimSpace(string(resBody))),
		}
	}

	ack := domain.CallAck{CallID: callIDFrom(resBody)}
	log.Info().Str("module", "adapters.backend").Str("backend_call_id", ack.CallID).Msg("call accepted")
	return ack, nil
}

// callIDFrom picks the first of callId, id, callSid or sid. An empty or
// non-JSON body still counts as accepted.
func callIDFrom(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"callId", "id", "callSid", "sid"} {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func statusErr(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("status %d: %s", code, msg)
}
