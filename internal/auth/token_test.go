package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hal9000y/gmail-pgp/internal/auth"
	"github.com/hal9000y/gmail-pgp/internal/errs"
)

func newOAuthServer(t *testing.T, accessToken string) (*httptest.Server, *oauth2.Config) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"token_type":    "Bearer",
			"refresh_token": "refresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)

	cfg := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth",
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
	}

	return srv, cfg
}

func stateOf(t *testing.T, redirect string) string {
	t.Helper()

	u, err := url.Parse(redirect)
	require.NoError(t, err)

	return u.Query().Get("state")
}

func TestAuthorizeCode(t *testing.T) {
	_, cfg := newOAuthServer(t, "access-1")
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)

	_, err = tok.OAuthToken()
	assert.ErrorIs(t, err, auth.ErrTokenNotSet)

	assert.Error(t, tok.AuthorizeCode(context.Background(), "code", "bogus-state"))

	redirect, err := tok.RedirectURL()
	require.NoError(t, err)

	authorized := tok.Authorized()
	require.NoError(t, tok.AuthorizeCode(context.Background(), "code", stateOf(t, redirect)))

	select {
	case <-authorized:
	default:
		t.Fatal("authorized channel not closed")
	}

	got, err := tok.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)

	assert.Error(t, tok.AuthorizeCode(context.Background(), "code", stateOf(t, redirect)), "state is single use")
}

func TestPersistAndReload(t *testing.T) {
	_, cfg := newOAuthServer(t, "access-1")
	path := filepath.Join(t.TempDir(), "token.json")

	tok, err := auth.NewToken(cfg, path)
	require.NoError(t, err)
	tok.SetOAuthToken(&oauth2.Token{AccessToken: "stored", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, tok.Persist())

	reloaded, err := auth.NewToken(cfg, path)
	require.NoError(t, err)
	got, err := reloaded.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "stored", got.AccessToken)
}

func TestTokenSource(t *testing.T) {
	_, cfg := newOAuthServer(t, "refreshed")
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)

	_, err = tok.TokenSource(context.Background()).Token()
	assert.Equal(t, errs.AuthExpired, errs.KindOf(err))

	tok.SetOAuthToken(&oauth2.Token{AccessToken: "valid", Expiry: time.Now().Add(time.Hour)})
	got, err := tok.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "valid", got.AccessToken)

	tok.SetOAuthToken(&oauth2.Token{AccessToken: "stale", RefreshToken: "refresh", Expiry: time.Now().Add(-time.Hour)})
	got, err = tok.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.AccessToken)

	current, err := tok.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "refreshed", current.AccessToken, "refreshed token is kept")
}

func TestTokenSourceRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)
	tok.SetOAuthToken(&oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)})

	_, err = tok.TokenSource(context.Background()).Token()
	assert.Equal(t, errs.AuthExpired, errs.KindOf(err))
	assert.Equal(t, errs.Reauthenticate, errs.NoticeFor(err).Action)
}

func TestReauthenticate(t *testing.T) {
	_, cfg := newOAuthServer(t, "again")
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)

	var prompted string
	r := auth.NewReauth(tok, func(u string) {
		prompted = u
		go func() {
			_ = tok.AuthorizeCode(context.Background(), "code", stateOf(t, u))
		}()
	}, 5*time.Second)

	require.NoError(t, r.Reauthenticate(context.Background()))
	assert.NotEmpty(t, prompted)

	got, err := tok.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "again", got.AccessToken)
}

func TestReauthenticateTimeout(t *testing.T) {
	_, cfg := newOAuthServer(t, "x")
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)

	r := auth.NewReauth(tok, func(string) {}, 10*time.Millisecond)
	err = r.Reauthenticate(context.Background())
	assert.Equal(t, errs.AuthExpired, errs.KindOf(err))
}

func TestHTTPHandler(t *testing.T) {
	_, cfg := newOAuthServer(t, "access-1")
	tok, err := auth.NewToken(cfg, "")
	require.NoError(t, err)
	h := auth.NewHTTPHandler(tok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth?redirect=1", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	state := stateOf(t, rec.Header().Get("Location"))
	require.NotEmpty(t, state)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth?code=c&state="+url.QueryEscape(state), nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "XXXXss-1")
}
