package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLinkIssuer(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr error
	}{
		{name: "ok", status: http.StatusOK, body: `{"inviteLink":"https://t.me/+abc123"}`, want: "https://t.me/+abc123"},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantErr: ErrIssuerStatus},
		{name: "not found", status: http.StatusNotFound, body: ``, wantErr: ErrIssuerStatus},
		{name: "malformed json", status: http.StatusOK, body: `<html>`, wantErr: ErrIssuerResponse},
		{name: "empty link", status: http.StatusOK, body: `{"inviteLink":""}`, wantErr: ErrIssuerResponse},
		{name: "missing field", status: http.StatusOK, body: `{"link":"https://t.me/+abc"}`, wantErr: ErrIssuerResponse},
		{name: "not a url", status: http.StatusOK, body: `{"inviteLink":"join us"}`, wantErr: ErrIssuerResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/generate-link", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			issuer := NewHTTPLinkIssuer(srv.URL+"/generate-link", srv.Client())
			link, err := issuer.IssueLink(testContext(t))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Nil(t, link)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, link.URL)
		})
	}
}

func TestHTTPLinkIssuerSingleRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPLinkIssuer(srv.URL, nil).IssueLink(testContext(t))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestHTTPLinkIssuerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPLinkIssuer(srv.URL, nil).IssueLink(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
