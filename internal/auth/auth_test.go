package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
)

func testConfig(t *testing.T) config.AuthConfig {
	t.Setenv("VAULTOPS_TEST_VIEWER_TOKEN", "viewer-secret")
	return config.AuthConfig{
		Enabled: true,
		Tokens: []config.APITokenConfig{
			{Subject: "ops-bot", Token: "operator-secret", Roles: []string{"operator"}},
			{Subject: "grafana", Token: "ignored", TokenEnv: "VAULTOPS_TEST_VIEWER_TOKEN", Roles: []string{"viewer"}},
		},
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService(testConfig(t))
	require.NoError(t, err)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer operator-secret")
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", subject.Name)
	assert.True(t, subject.HasPermission(PermJobsSubmit))

	viewer, err := svc.AuthenticateRequest(ctx, "bearer viewer-secret")
	require.NoError(t, err)
	assert.Equal(t, []string{PermJobsRead}, viewer.Permissions)
	assert.True(t, xerrors.HasCode(viewer.Authorize(PermJobsSubmit), xerrors.CodeForbidden))

	_, err = svc.AuthenticateRequest(ctx, "Bearer ignored")
	assert.ErrorIs(t, err, ErrInvalidToken, "env token takes precedence")

	_, err = svc.AuthenticateRequest(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(ctx, "Basic abc")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(config.AuthConfig{Enabled: true})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	_, err = NewService(config.AuthConfig{Enabled: true, Tokens: []config.APITokenConfig{{Token: "x", Roles: []string{"root"}}}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	_, err = NewService(config.AuthConfig{Enabled: true, Tokens: []config.APITokenConfig{
		{Token: "same", Roles: []string{"viewer"}},
		{Token: "same", Roles: []string{"admin"}},
	}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	custom, err := NewService(config.AuthConfig{
		Enabled: true,
		Roles:   map[string][]string{"previewer": {" Proposals:Preview "}},
		Tokens:  []config.APITokenConfig{{Token: "p", Roles: []string{"previewer"}}},
	})
	require.NoError(t, err)
	subject, err := custom.AuthenticateRequest(context.Background(), "Bearer p")
	require.NoError(t, err)
	assert.Equal(t, "token-0", subject.Name)
	assert.NoError(t, subject.Authorize(PermProposalsPreview))
}

func TestMiddlewareStatusCodes(t *testing.T) {
	svc, err := NewService(testConfig(t))
	require.NoError(t, err)

	var seen *Subject
	h := svc.Middleware("jobs.submit", PermJobsSubmit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"invalid", "Bearer nope", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", "Bearer viewer-secret", http.StatusForbidden, "FORBIDDEN"},
		{"allowed", "Bearer operator-secret", http.StatusAccepted, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.code == "" {
				return
			}
			var body struct {
				Error struct{ Code string } `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "ops-bot", seen.Name)
}

func TestDisabledAuthAllowsAnonymous(t *testing.T) {
	svc, err := NewService(config.AuthConfig{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	rec := httptest.NewRecorder()
	svc.Middleware("", PermProposalsPreview)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anonymous", SubjectFromContext(r.Context()).Name)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActorNamesAuditedCaller(t *testing.T) {
	assert.Equal(t, "local", Actor(context.Background()))
	assert.Nil(t, SubjectFromContext(context.Background()))

	ctx := WithSubject(context.Background(), &Subject{Name: "ops-bot", Permissions: []string{PermJobsSubmit}})
	assert.Equal(t, "ops-bot", Actor(ctx))
	assert.True(t, SubjectFromContext(ctx).HasPermission(PermJobsSubmit))

	assert.Equal(t, context.Background(), WithSubject(context.Background(), nil))
}
