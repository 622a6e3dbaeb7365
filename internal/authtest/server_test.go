package authtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func newServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	s.Handle("GET /api/whoami", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(Subject(r.Context())))
	}))
	ts := s.Start()
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func whoami(t *testing.T, base, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+"/api/whoami", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestLoginAndProtectedAccess(t *testing.T) {
	s, base := newServer(t, Options{Password: "pw"})

	resp, body := postJSON(t, base+LoginPath, map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = postJSON(t, base+LoginPath, map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access, _ := body["access_token"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, body["refresh_token"])

	assert.Equal(t, http.StatusOK, whoami(t, base, access))
	assert.Equal(t, http.StatusUnauthorized, whoami(t, base, ""))
	assert.Equal(t, http.StatusUnauthorized, whoami(t, base, access+"x"))
	assert.EqualValues(t, 1, s.Logins())
	assert.EqualValues(t, 2, s.Rejections())
}

func TestExpiredAccessRejected(t *testing.T) {
	s, base := newServer(t, Options{})
	pair, err := s.LoginWithTTL("bob", -time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, whoami(t, base, pair.AccessToken))
}

func TestRefreshRotation(t *testing.T) {
	s, base := newServer(t, Options{Rotate: true})
	pair, err := s.Login("carol")
	require.NoError(t, err)

	resp, body := postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated, _ := body["refresh_token"].(string)
	require.NotEmpty(t, rotated)
	require.NotEqual(t, pair.RefreshToken, rotated)

	// Reusing the old token revokes the session.
	resp, _ = postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = postJSON(t, base+RefreshPath, map[string]string{"refresh_token": rotated})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 3, s.Refreshes())
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	s, base := newServer(t, Options{})
	pair, err := s.Login("dave")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, body := postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Nil(t, body["refresh_token"])
		assert.Equal(t, http.StatusOK, whoami(t, base, body["access_token"].(string)))
	}
}

func TestRefreshSwitches(t *testing.T) {
	s, base := newServer(t, Options{})
	pair, err := s.Login("erin")
	require.NoError(t, err)

	s.SetFailStatus(http.StatusBadGateway)
	resp, _ := postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	s.SetFailStatus(0)
	s.SetRejectRefresh(true)
	resp, _ = postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.SetRejectRefresh(false)
	s.SetLatency(50 * time.Millisecond)
	start := time.Now()
	resp, _ = postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRevokeAll(t *testing.T) {
	s, base := newServer(t, Options{})
	pair, err := s.Login("frank")
	require.NoError(t, err)

	s.RevokeAll()
	assert.Equal(t, http.StatusUnauthorized, whoami(t, base, pair.AccessToken))
	resp, _ := postJSON(t, base+RefreshPath, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOAuth2TokenEndpoint(t *testing.T) {
	s, base := newServer(t, Options{Rotate: true})
	pair, err := s.Login("grace")
	require.NoError(t, err)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {pair.RefreshToken}}
	resp, err := http.Post(base+TokenPath, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])

	form.Set("refresh_token", "garbage")
	resp2, err := http.Post(base+TokenPath, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&errBody))
	assert.Equal(t, "invalid_grant", errBody["error"])
}

func TestRefreshTokenCodec(t *testing.T) {
	sid, err := newSessionID()
	require.NoError(t, err)
	secret, err := newRefreshSecret()
	require.NoError(t, err)

	gotSID, gotSecret, err := decodeRefreshToken(encodeRefreshToken(sid, secret))
	require.NoError(t, err)
	assert.Equal(t, sid, gotSID)
	assert.Equal(t, secret, gotSecret)

	_, _, err = decodeRefreshToken("c2hvcnQ")
	assert.Error(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	encoded, err := hashPassword("correct-horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$"))

	ok, err := verifyPassword("correct-horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("battery-staple", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := hashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other, "salt must differ per hash")
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
	} {
		_, err := verifyPassword("x", encoded)
		assert.ErrorIs(t, err, errBadPHC, encoded)
	}
}
