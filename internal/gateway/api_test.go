// ABOUTME: Tests for the admin HTTP API and the verification landing page
// ABOUTME: Drives the real mux with httptest, with and without JWT auth

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/autofilter-gateway/internal/auth"
	"github.com/2389/autofilter-gateway/internal/store"
)

const (
	testGroup = "!group:hs.example"
	testUser  = "@alice:hs.example"
	secret    = "0123456789abcdef0123456789abcdef"
)

func serve(t *testing.T, gw *Gateway, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func TestStats(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	group, err := gw.store.ResolveIdentity(ctx, store.IdentityRoom, testGroup)
	require.NoError(t, err)
	require.NoError(t, gw.store.RegisterGroup(ctx, group, "Files"))
	user, err := gw.store.ResolveIdentity(ctx, store.IdentityUser, testUser)
	require.NoError(t, err)
	require.NoError(t, gw.store.EnsureUser(ctx, &store.User{ID: user}))
	require.NoError(t, gw.store.SetPending(ctx, user, group, "bunny"))

	rec := serve(t, gw, http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Files)
}

func TestGroups(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	group, err := gw.store.ResolveIdentity(ctx, store.IdentityRoom, testGroup)
	require.NoError(t, err)
	path := "/api/groups/" + testGroup

	rec := serve(t, gw, http.MethodGet, path, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "group not found", errorMessage(t, rec))

	off := false
	tutorial := "https://example.com/how-to"
	autoDelete := "10m"
	rec = serve(t, gw, http.MethodPut, path, GroupSettingsRequest{
		VerificationOn: &off,
		TutorialURL:    &tutorial,
		AutoDelete:     &autoDelete,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[GroupResponse](t, rec)
	assert.Equal(t, group, resp.ID)
	assert.Equal(t, testGroup, resp.Room)
	assert.True(t, resp.Active)
	assert.False(t, resp.Effective.VerificationOn)
	assert.Equal(t, tutorial, resp.Effective.TutorialURL)
	assert.Equal(t, "10m0s", resp.Effective.AutoDelete)
	assert.NotZero(t, resp.Effective.MembershipChannel)

	// Numeric ids address the same group
	rec = serve(t, gw, http.MethodGet, "/api/groups/"+strconv.FormatInt(group, 10), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[GroupResponse](t, rec).Effective.VerificationOn)

	// Clearing the channel falls back to the configured default
	empty := ""
	host := "short.example"
	key := "k3y"
	rec = serve(t, gw, http.MethodPut, path, GroupSettingsRequest{
		MembershipChannel: &empty,
		ShortlinkHost:     &host,
		ShortlinkAPIKey:   &key,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[GroupResponse](t, rec)
	assert.Equal(t, "short.example", resp.Effective.ShortlinkHost)
	assert.True(t, resp.Effective.ShortlinkConfigured)
	assert.NotContains(t, rec.Body.String(), "k3y")
}

func TestGroups_MembershipChannel(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	_, err := gw.store.ResolveIdentity(ctx, store.IdentityRoom, testGroup)
	require.NoError(t, err)

	channel := "!other:hs.example"
	rec := serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, GroupSettingsRequest{MembershipChannel: &channel}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	want, err := gw.store.ResolveIdentity(ctx, store.IdentityRoom, channel)
	require.NoError(t, err)
	assert.Equal(t, want, decode[GroupResponse](t, rec).Effective.MembershipChannel)

	alias := "#files:hs.example"
	rec = serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, GroupSettingsRequest{MembershipChannel: &alias}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// "off" beats the configured default; "" inherits it again
	off := "off"
	rec = serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, GroupSettingsRequest{MembershipChannel: &off}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decode[GroupResponse](t, rec).Effective.MembershipChannel)

	inherit := ""
	rec = serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, GroupSettingsRequest{MembershipChannel: &inherit}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotZero(t, decode[GroupResponse](t, rec).Effective.MembershipChannel)
}

func TestDeleteFiles(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	group, err := gw.store.ResolveIdentity(ctx, store.IdentityRoom, testGroup)
	require.NoError(t, err)
	for i, name := range []string{"Big.Buck.Bunny.mkv", "Bunny.Returns.mp4", "Sintel.mkv"} {
		require.NoError(t, gw.store.SaveFile(ctx, &store.File{
			GroupID:  group,
			FileRef:  "mxc://hs.example/" + strconv.Itoa(i),
			FileName: name,
			FileType: store.FileTypeVideo,
		}))
	}
	require.NoError(t, gw.store.SaveFile(ctx, &store.File{
		GroupID:  0,
		FileRef:  "mxc://hs.example/shared",
		FileName: "Bunny.Shared.mkv",
		FileType: store.FileTypeVideo,
	}))
	path := "/api/groups/" + testGroup + "/files"

	rec := serve(t, gw, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name is required unless all=true", errorMessage(t, rec))

	rec = serve(t, gw, http.MethodDelete, path+"?name=...", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodDelete, path+"?name=bunny", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[DeleteFilesResponse](t, rec).Deleted)

	rec = serve(t, gw, http.MethodDelete, path+"?all=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[DeleteFilesResponse](t, rec).Deleted)

	// Other groups and the shared library are untouched
	stats, err := gw.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)

	rec = serve(t, gw, http.MethodDelete, "/api/groups/"+testUser+"/files?all=true", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeliveries(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	user, err := gw.store.ResolveIdentity(ctx, store.IdentityUser, testUser)
	require.NoError(t, err)
	path := "/api/users/" + testUser + "/deliveries"

	rec := serve(t, gw, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, query := range []string{"bunny", "sintel", "tears"} {
		require.NoError(t, gw.store.SaveDelivery(ctx, &store.DeliveryRecord{
			UserID:    user,
			GroupID:   -7,
			Query:     query,
			Attempted: 3,
			Sent:      i,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec = serve(t, gw, http.MethodGet, path+"?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[[]DeliveryResponse](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "tears", list[0].Query)
	assert.Equal(t, "sintel", list[1].Query)
	assert.Equal(t, int64(-7), list[0].GroupID)
	assert.Equal(t, 2, list[0].Sent)
	assert.NotEmpty(t, list[0].ID)

	rec = serve(t, gw, http.MethodGet, path+"?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid limit", errorMessage(t, rec))

	rec = serve(t, gw, http.MethodGet, "/api/users/"+testGroup+"/deliveries", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroups_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	user, err := gw.store.ResolveIdentity(ctx, store.IdentityUser, testUser)
	require.NoError(t, err)
	_, err = gw.store.ResolveIdentity(ctx, store.IdentityRoom, testGroup)
	require.NoError(t, err)

	badDuration := "soon"
	host := "short.example"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"non-numeric id", http.MethodGet, "/api/groups/abc", nil, http.StatusBadRequest},
		{"zero id", http.MethodGet, "/api/groups/0", nil, http.StatusBadRequest},
		{"unknown numeric id", http.MethodGet, "/api/groups/-404", nil, http.StatusNotFound},
		{"user id as group", http.MethodGet, "/api/groups/" + strconv.FormatInt(user, 10), nil, http.StatusBadRequest},
		{"bad auto_delete", http.MethodPut, "/api/groups/" + testGroup, GroupSettingsRequest{AutoDelete: &badDuration}, http.StatusBadRequest},
		{"host without key", http.MethodPut, "/api/groups/" + testGroup, GroupSettingsRequest{ShortlinkHost: &host}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, gw, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	t.Run("invalid JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/groups/"+testGroup, strings.NewReader("{"))
		rec := httptest.NewRecorder()
		gw.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid JSON body", errorMessage(t, rec))
	})
}

func TestUsersAndPremium(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	user, err := gw.store.ResolveIdentity(ctx, store.IdentityUser, testUser)
	require.NoError(t, err)
	path := "/api/users/" + testUser

	rec := serve(t, gw, http.MethodGet, path, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, gw, http.MethodPost, path+"/premium", PremiumRequest{Plan: "gold", Duration: "720h"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[UserResponse](t, rec)
	assert.Equal(t, user, resp.ID)
	assert.Equal(t, testUser, resp.MatrixID)
	assert.True(t, resp.Premium)
	assert.Equal(t, "gold", resp.PremiumPlan)
	expiry, err := time.Parse(time.RFC3339, resp.PremiumExpiry)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), expiry, time.Minute)

	require.NoError(t, gw.store.SetPending(ctx, user, -7, "bunny"))
	rec = serve(t, gw, http.MethodGet, "/api/users/"+strconv.FormatInt(user, 10), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[UserResponse](t, rec)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, "bunny", resp.Pending.Query)
	assert.Equal(t, int64(-7), resp.Pending.GroupID)

	rec = serve(t, gw, http.MethodDelete, path+"/premium", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[UserResponse](t, rec)
	assert.False(t, resp.Premium)
	assert.Equal(t, "free", resp.PremiumPlan)
	assert.Empty(t, resp.PremiumExpiry)
}

func TestPremium_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	_, err := gw.store.ResolveIdentity(context.Background(), store.IdentityUser, testUser)
	require.NoError(t, err)
	path := "/api/users/" + testUser + "/premium"

	rec := serve(t, gw, http.MethodPost, path, PremiumRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "plan is required", errorMessage(t, rec))

	rec = serve(t, gw, http.MethodPost, path, PremiumRequest{Plan: "gold", Duration: "-1h"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid duration", errorMessage(t, rec))

	// Revoking from a user never seen by the bot
	rec = serve(t, gw, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = secret
	gw := newTestGateway(t, cfg)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	admin, err := verifier.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	viewer, err := verifier.Generate("dash", auth.RoleViewer, time.Hour)
	require.NoError(t, err)

	_, err = gw.store.ResolveIdentity(context.Background(), store.IdentityRoom, testGroup)
	require.NoError(t, err)
	on := true
	update := GroupSettingsRequest{VerificationOn: &on}

	assert.Equal(t, http.StatusUnauthorized, serve(t, gw, http.MethodGet, "/api/stats", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, gw, http.MethodGet, "/api/stats", nil, "garbage").Code)
	assert.Equal(t, http.StatusOK, serve(t, gw, http.MethodGet, "/api/stats", nil, viewer).Code)

	assert.Equal(t, http.StatusForbidden, serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, update, viewer).Code)
	assert.Equal(t, http.StatusOK, serve(t, gw, http.MethodPut, "/api/groups/"+testGroup, update, admin).Code)

	// Health and the landing page stay public
	assert.Equal(t, http.StatusOK, serve(t, gw, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusOK, serve(t, gw, http.MethodGet, "/start?start=verify_1_-2", nil, "").Code)
}

func TestLandingPage(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := serve(t, gw, http.MethodGet, "/start?start=verify_1_-2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "<code>!start verify_1_-2</code>")
	assert.Contains(t, body, `href="https://matrix.to/#/@bot:hs.example"`)
	assert.Contains(t, body, `rel="canonical" href="https://files.example/start?start=verify_1_-2"`)
}

func TestLandingPage_Rejects(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"missing payload", http.MethodGet, "/start", http.StatusBadRequest},
		{"markup in payload", http.MethodGet, "/start?start=%3Cscript%3E", http.StatusBadRequest},
		{"too long", http.MethodGet, "/start?start=" + strings.Repeat("a", 129), http.StatusBadRequest},
		{"post", http.MethodPost, "/start?start=verify_1_-2", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, gw, tt.method, tt.path, nil, "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
