package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// InviteLink is a one-time Telegram group invite URL
type InviteLink struct {
	URL string `json:"url"`
}

// LinkIssuer hands out invite links to eligible wallets
type LinkIssuer interface {
	IssueLink(ctx context.Context) (*InviteLink, error)
}

var (
	// ErrIssuerStatus indicates the issuer answered with a non-2xx status
	ErrIssuerStatus = errors.New("link issuer returned an error status")

	// ErrIssuerResponse indicates the issuer answered with an unusable body
	ErrIssuerResponse = errors.New("link issuer returned an invalid response")
)

// maxIssuerBody bounds how much of an issuer response is read
const maxIssuerBody = 64 << 10

// HTTPLinkIssuer fetches invite links from a fixed URL answering {"inviteLink": "..."}
type HTTPLinkIssuer struct {
	url    string
	client *http.Client
}

// NewHTTPLinkIssuer creates an issuer for endpoint. A nil client uses a
// client with a 30s timeout; callers still bound each call with ctx.
func NewHTTPLinkIssuer(endpoint string, client *http.Client) *HTTPLinkIssuer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPLinkIssuer{url: endpoint, client: client}
}

type inviteLinkResponse struct {
	InviteLink string `json:"inviteLink"`
}

// IssueLink performs one GET against the issuer. It never retries.
func (i *HTTPLinkIssuer) IssueLink(ctx context.Context) (*InviteLink, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIssuerBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrIssuerStatus, resp.StatusCode)
	}

	var payload inviteLinkResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerResponse, err)
	}

	return validateInviteLink(payload.InviteLink)
}

func validateInviteLink(raw string) (*InviteLink, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty invite link", ErrIssuerResponse)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: invite link is not a URL: %q", ErrIssuerResponse, raw)
	}
	return &InviteLink{URL: raw}, nil
}
