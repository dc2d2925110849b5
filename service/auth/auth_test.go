package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"PPGateway/service/directory"
	"PPGateway/tools/errs"
	"PPGateway/tools/security"
)

type brokenUsers struct{}

func (brokenUsers) LookupUser(context.Context, string) (*directory.User, error) {
	return nil, errors.New("connection refused")
}

func setup(t *testing.T) (*Authenticator, security.Options, *observer.ObservedLogs) {
	t.Helper()
	dir := directory.NewMemory()
	dir.PutUser(directory.User{ID: "u1", Email: "u1@example.com", Role: "member"})

	opts := security.DefaultOptions([]byte("test-secret"))
	core, logs := observer.New(zapcore.DebugLevel)
	return New(opts, dir, zap.New(core), nil), opts, logs
}

func token(t *testing.T, opts security.Options, sub string) string {
	t.Helper()
	tok, _, err := security.Generate(opts, sub, nil)
	require.NoError(t, err)
	return tok
}

func TestAuthenticate(t *testing.T) {
	a, opts, _ := setup(t)

	u, err := a.Authenticate(context.Background(), token(t, opts, "u1"), "10.0.0.1:5555")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	u, err = a.Authenticate(context.Background(), "Bearer "+token(t, opts, "u1"), "10.0.0.1:5555")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestAuthenticateFailuresLookAlike(t *testing.T) {
	a, opts, logs := setup(t)

	other := security.DefaultOptions([]byte("other-secret"))

	tests := []struct {
		name       string
		credential string
		step       string
	}{
		{"empty", "", "verify"},
		{"garbage", "not-a-jwt", "verify"},
		{"wrong secret", token(t, other, "u1"), "verify"},
		{"unknown user", token(t, opts, "ghost"), "lookup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := a.Authenticate(context.Background(), tt.credential, "1.2.3.4:1")
			assert.Nil(t, u)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrAuthenticationFailed))
			assert.Equal(t, "Authentication failed", errs.PublicMessage(err))

			entries := logs.FilterMessage("authentication failed").TakeAll()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.Equal(t, tt.step, fields["step"])
			assert.Equal(t, "1.2.3.4:1", fields["remote_addr"])
		})
	}
}

func TestAuthenticateLookupError(t *testing.T) {
	opts := security.DefaultOptions([]byte("s"))
	a := New(opts, brokenUsers{}, nil, nil)

	_, err := a.Authenticate(context.Background(), token(t, opts, "u1"), "")
	assert.True(t, errors.Is(err, errs.ErrAuthenticationFailed))
	assert.Equal(t, "Authentication failed", errs.PublicMessage(err))
}

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query", "/ws?token=abc", "Bearer zzz", "abc"},
		{"raw header", "/ws", "abc", "abc"},
		{"bearer header", "/ws", "Bearer abc", "abc"},
		{"lowercase bearer", "/ws", "bearer   abc", "abc"},
		{"none", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, ExtractCredential(r))
		})
	}
}
