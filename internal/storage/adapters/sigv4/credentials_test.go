package sigv4

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stsServer(t *testing.T, expires time.Time, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "AssumeRoleWithWebIdentity", r.PostForm.Get("Action"))
		assert.Equal(t, "arn:aws:iam::123456789012:role/gallery", r.PostForm.Get("RoleArn"))
		assert.Equal(t, "jwt-token", r.PostForm.Get("WebIdentityToken"))
		assert.Equal(t, "2011-06-15", r.PostForm.Get("Version"))
		assert.Contains(t, r.PostForm.Get("RoleSessionName"), "template-gallery-")

		fmt.Fprintf(w, `<AssumeRoleWithWebIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>ASIA%d</AccessKeyId>
      <SecretAccessKey>secret</SecretAccessKey>
      <SessionToken>session</SessionToken>
      <Expiration>%s</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
</AssumeRoleWithWebIdentityResponse>`, n, expires.UTC().Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tokenFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("jwt-token\n"), 0o600))
	return path
}

func TestResolver_StaticCredentials(t *testing.T) {
	r := NewResolver(ResolverConfig{AccessKeyID: "AK", SecretAccessKey: "SK", SessionToken: "T"})

	creds, err := r.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AK", creds.AccessKeyID)
	assert.Equal(t, "T", creds.SessionToken)
}

func TestResolver_WebIdentityCachedUntilRefreshWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int32
	srv := stsServer(t, now.Add(time.Hour), &calls)

	r := NewResolver(ResolverConfig{
		WebIdentityFile: tokenFile(t),
		RoleARN:         "arn:aws:iam::123456789012:role/gallery",
		STSEndpoint:     srv.URL,
	})
	r.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := r.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ASIA1", first.AccessKeyID)
	assert.Equal(t, "session", first.SessionToken)

	now = now.Add(57 * time.Minute)
	again, err := r.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ASIA1", again.AccessKeyID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(2 * time.Minute)
	refreshed, err := r.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ASIA2", refreshed.AccessKeyID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolver_NoCredentials(t *testing.T) {
	_, err := NewResolver(ResolverConfig{}).Retrieve(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestResolver_STSFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()

	r := NewResolver(ResolverConfig{WebIdentityFile: tokenFile(t), RoleARN: "arn", STSEndpoint: srv.URL})
	_, err := r.Retrieve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
