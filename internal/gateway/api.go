// ABOUTME: HTTP admin API for group settings, indexed files, users and statistics
// ABOUTME: JSON handlers behind JWT auth; writes require the admin role

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/autofilter-gateway/internal/auth"
	"github.com/2389/autofilter-gateway/internal/store"
)

// errBadID is returned for path ids that are neither numeric nor Matrix ids
var errBadID = errors.New("invalid id")

// channelOff disables the membership gate for a group.
const channelOff = "off"

// GroupSettingsRequest is the JSON body for PUT /api/groups/{id}.
// Omitted fields keep their current value; an empty string clears a
// text override. membership_channel takes a room id, "" to inherit the
// default channel, or "off" to require none.
type GroupSettingsRequest struct {
	Title             *string `json:"title,omitempty"`
	VerificationOn    *bool   `json:"verification_on,omitempty"`
	MembershipChannel *string `json:"membership_channel,omitempty"` // room id, "" or "off"
	ShortlinkHost     *string `json:"shortlink_host,omitempty"`
	ShortlinkAPIKey   *string `json:"shortlink_api_key,omitempty"`
	TutorialURL       *string `json:"tutorial_url,omitempty"`
	Caption           *string `json:"caption,omitempty"`
	ProtectContent    *bool   `json:"protect_content,omitempty"`
	LinkMode          *bool   `json:"link_mode,omitempty"`
	AutoDelete        *string `json:"auto_delete,omitempty"` // duration, e.g. "5m"
}

// EffectiveSettingsResponse is a group's settings with defaults applied.
type EffectiveSettingsResponse struct {
	VerificationOn      bool   `json:"verification_on"`
	MembershipChannel   int64  `json:"membership_channel"`
	ShortlinkHost       string `json:"shortlink_host"`
	ShortlinkConfigured bool   `json:"shortlink_configured"`
	TutorialURL         string `json:"tutorial_url"`
	Caption             string `json:"caption"`
	ProtectContent      bool   `json:"protect_content"`
	LinkMode            bool   `json:"link_mode"`
	AutoDelete          string `json:"auto_delete"`
}

// GroupResponse is the JSON response for group endpoints.
type GroupResponse struct {
	ID        int64                     `json:"id"`
	Room      string                    `json:"room,omitempty"`
	Title     string                    `json:"title"`
	Active    bool                      `json:"active"`
	UpdatedAt string                    `json:"updated_at,omitempty"`
	Effective EffectiveSettingsResponse `json:"effective"`
}

// PendingResponse describes a user's pending request.
type PendingResponse struct {
	GroupID   int64  `json:"group_id"`
	Query     string `json:"query"`
	CreatedAt string `json:"created_at"`
}

// UserResponse is the JSON response for user endpoints.
type UserResponse struct {
	ID            int64            `json:"id"`
	MatrixID      string           `json:"matrix_id,omitempty"`
	DisplayName   string           `json:"display_name,omitempty"`
	Username      string           `json:"username,omitempty"`
	Verified      bool             `json:"verified"`
	VerifyExpiry  string           `json:"verify_expiry,omitempty"`
	Premium       bool             `json:"premium"`
	PremiumPlan   string           `json:"premium_plan"`
	PremiumExpiry string           `json:"premium_expiry,omitempty"`
	IsAdmin       bool             `json:"is_admin"`
	TotalSearches int              `json:"total_searches"`
	Pending       *PendingResponse `json:"pending,omitempty"`
	CreatedAt     string           `json:"created_at"`
	LastActive    string           `json:"last_active"`
}

// PremiumRequest is the JSON body for POST /api/users/{id}/premium.
type PremiumRequest struct {
	Plan     string `json:"plan"`
	Duration string `json:"duration,omitempty"` // empty never expires
}

// DeleteFilesResponse is the JSON response for DELETE /api/groups/{id}/files.
type DeleteFilesResponse struct {
	Deleted int `json:"deleted"`
}

// DeliveryResponse is one entry of GET /api/users/{id}/deliveries.
type DeliveryResponse struct {
	ID        string `json:"id"`
	GroupID   int64  `json:"group_id"`
	Query     string `json:"query"`
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	CreatedAt string `json:"created_at"`
}

// maxDeliveriesLimit caps the limit query parameter of the deliveries listing.
const maxDeliveriesLimit = 200

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Users        int `json:"users"`
	PremiumUsers int `json:"premium_users"`
	Groups       int `json:"groups"`
	Files        int `json:"files"`
	Pending      int `json:"pending"`
	Deliveries   int `json:"deliveries"`
}

// registerHTTPAPIRoutes registers the admin API. Without a JWT secret the
// API is open.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) error {
	var verifier auth.TokenVerifier
	if secret := g.config.Auth.JWTSecret; secret != "" {
		v, err := auth.NewJWTVerifier([]byte(secret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		verifier = v
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	authMiddleware := auth.HTTPAuthMiddleware(verifier, g.logger)
	adminMiddleware := auth.RequireAdminHTTP()
	read := func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }
	write := func(h http.HandlerFunc) http.Handler { return authMiddleware(adminMiddleware(h)) }

	mux.Handle("GET /api/stats", read(g.handleStats))
	mux.Handle("GET /api/groups/{id}", read(g.handleGetGroup))
	mux.Handle("PUT /api/groups/{id}", write(g.handleUpdateGroup))
	mux.Handle("DELETE /api/groups/{id}/files", write(g.handleDeleteFiles))
	mux.Handle("GET /api/users/{id}", read(g.handleGetUser))
	mux.Handle("GET /api/users/{id}/deliveries", read(g.handleListDeliveries))
	mux.Handle("POST /api/users/{id}/premium", write(g.handleGrantPremium))
	mux.Handle("DELETE /api/users/{id}/premium", write(g.handleRevokePremium))
	return nil
}

// pathIdentity resolves the {id} path value. Matrix ids ("!room" or
// "@user") are mapped to their numeric id; numeric ids must already exist.
func (g *Gateway) pathIdentity(r *http.Request, kind store.IdentityKind) (*store.Identity, error) {
	raw := r.PathValue("id")
	ctx := r.Context()

	sigil := "@"
	if kind == store.IdentityRoom {
		sigil = "!"
	}
	if strings.HasPrefix(raw, sigil) {
		num, err := g.store.ResolveIdentity(ctx, kind, raw)
		if err != nil {
			return nil, err
		}
		return g.store.LookupIdentity(ctx, num)
	}

	num, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || num == 0 {
		return nil, errBadID
	}
	ident, err := g.store.LookupIdentity(ctx, num)
	if err != nil {
		return nil, err
	}
	if ident.Kind != kind {
		return nil, errBadID
	}
	return ident, nil
}

// sendIdentityError maps pathIdentity errors to responses.
func (g *Gateway) sendIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadID), errors.Is(err, store.ErrInvalidIdentity):
		g.sendJSONError(w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	default:
		g.logger.Error("resolving id", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	s, err := g.store.Stats(r.Context())
	if err != nil {
		g.logger.Error("failed to load stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, StatsResponse{
		Users:        s.Users,
		PremiumUsers: s.PremiumUsers,
		Groups:       s.Groups,
		Files:        s.Files,
		Pending:      s.Pending,
		Deliveries:   s.Deliveries,
	})
}

// handleGetGroup handles GET /api/groups/{id}.
func (g *Gateway) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityRoom)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	settings, err := g.store.GetGroupSettings(r.Context(), ident.ID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load group", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendGroup(w, r.Context(), ident, settings)
}

// handleUpdateGroup handles PUT /api/groups/{id}. Unknown groups are created.
func (g *Gateway) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityRoom)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	var req GroupSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	settings, err := g.store.GetGroupSettings(ctx, ident.ID)
	if errors.Is(err, store.ErrNotFound) {
		settings = &store.GroupSettings{GroupID: ident.ID}
	} else if err != nil {
		g.logger.Error("failed to load group", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := g.applyGroupRequest(ctx, settings, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.store.UpsertGroupSettings(ctx, settings); err != nil {
		g.logger.Error("failed to save group", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := g.store.GetGroupSettings(ctx, ident.ID)
	if err != nil {
		g.logger.Error("failed to reload group", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("group settings updated", "group_id", ident.ID, "by", subject(ctx))
	g.sendGroup(w, ctx, ident, updated)
}

func (g *Gateway) applyGroupRequest(ctx context.Context, s *store.GroupSettings, req *GroupSettingsRequest) error {
	if req.Title != nil {
		s.Title = *req.Title
	}
	if req.VerificationOn != nil {
		s.VerificationOn = req.VerificationOn
	}
	if req.MembershipChannel != nil {
		switch room := *req.MembershipChannel; {
		case room == "":
			s.MembershipChannel = 0
		case room == channelOff:
			s.MembershipChannel = store.ChannelDisabled
		case strings.HasPrefix(room, "!"):
			channel, err := g.store.ResolveIdentity(ctx, store.IdentityRoom, room)
			if err != nil {
				return fmt.Errorf("resolving membership_channel: %w", err)
			}
			s.MembershipChannel = channel
		default:
			return errors.New(`membership_channel must be a room id or "off"`)
		}
	}
	if req.ShortlinkHost != nil {
		s.ShortlinkHost = *req.ShortlinkHost
	}
	if req.ShortlinkAPIKey != nil {
		s.ShortlinkAPIKey = *req.ShortlinkAPIKey
	}
	if (s.ShortlinkHost == "") != (s.ShortlinkAPIKey == "") {
		return errors.New("shortlink_host and shortlink_api_key must be set together")
	}
	if req.TutorialURL != nil {
		s.TutorialURL = *req.TutorialURL
	}
	if req.Caption != nil {
		s.Caption = *req.Caption
	}
	if req.ProtectContent != nil {
		s.ProtectContent = req.ProtectContent
	}
	if req.LinkMode != nil {
		s.LinkMode = req.LinkMode
	}
	if req.AutoDelete != nil {
		d, err := time.ParseDuration(*req.AutoDelete)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid auto_delete %q", *req.AutoDelete)
		}
		s.AutoDelete = &d
	}
	return nil
}

// handleDeleteFiles handles DELETE /api/groups/{id}/files. The name query
// parameter narrows the deletion to matching file names; all=true is needed
// to empty the whole group.
func (g *Gateway) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityRoom)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" && r.URL.Query().Get("all") != "true" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required unless all=true")
		return
	}
	// A name made only of separators would match every file
	if name != "" && store.NormalizeName(name) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name has no searchable characters")
		return
	}

	ctx := r.Context()
	n, err := g.store.DeleteFiles(ctx, ident.ID, name)
	if err != nil {
		g.logger.Error("failed to delete files", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("files deleted", "group_id", ident.ID, "name", name, "deleted", n, "by", subject(ctx))
	g.sendJSON(w, http.StatusOK, DeleteFilesResponse{Deleted: n})
}

func (g *Gateway) sendGroup(w http.ResponseWriter, ctx context.Context, ident *store.Identity, s *store.GroupSettings) {
	eff, err := g.settings.For(ctx, ident.ID)
	if err != nil {
		g.logger.Error("failed to resolve group settings", "group_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := GroupResponse{
		ID:     ident.ID,
		Room:   ident.ExternalID,
		Title:  s.Title,
		Active: s.Active,
		Effective: EffectiveSettingsResponse{
			VerificationOn:      eff.VerificationOn,
			MembershipChannel:   eff.MembershipChannel,
			ShortlinkHost:       eff.ShortlinkHost,
			ShortlinkConfigured: eff.ShortlinkHost != "" && eff.ShortlinkAPIKey != "",
			TutorialURL:         eff.TutorialURL,
			Caption:             eff.Caption,
			ProtectContent:      eff.ProtectContent,
			LinkMode:            eff.LinkMode,
			AutoDelete:          eff.AutoDelete.String(),
		},
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.Format(time.RFC3339)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetUser handles GET /api/users/{id}.
func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityUser)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	u, err := g.store.GetUser(r.Context(), ident.ID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load user", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, userResponse(ident, u))
}

// handleListDeliveries handles GET /api/users/{id}/deliveries, newest first.
func (g *Gateway) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityUser)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(limit, maxDeliveriesLimit)
	}

	recs, err := g.store.ListDeliveries(r.Context(), ident.ID, limit)
	if err != nil {
		g.logger.Error("failed to list deliveries", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]DeliveryResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, DeliveryResponse{
			ID:        rec.ID,
			GroupID:   rec.GroupID,
			Query:     rec.Query,
			Attempted: rec.Attempted,
			Sent:      rec.Sent,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGrantPremium handles POST /api/users/{id}/premium.
func (g *Gateway) handleGrantPremium(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityUser)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	var req PremiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Plan == "" {
		g.sendJSONError(w, http.StatusBadRequest, "plan is required")
		return
	}
	var expiry *time.Time
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		t := time.Now().Add(d)
		expiry = &t
	}

	ctx := r.Context()
	if err := g.store.EnsureUser(ctx, &store.User{ID: ident.ID}); err != nil {
		g.logger.Error("failed to create user", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.store.SetPremium(ctx, ident.ID, req.Plan, expiry); err != nil {
		g.logger.Error("failed to grant premium", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("premium granted", "user_id", ident.ID, "plan", req.Plan, "by", subject(ctx))
	g.respondUser(w, ctx, ident)
}

// handleRevokePremium handles DELETE /api/users/{id}/premium.
func (g *Gateway) handleRevokePremium(w http.ResponseWriter, r *http.Request) {
	ident, err := g.pathIdentity(r, store.IdentityUser)
	if err != nil {
		g.sendIdentityError(w, err)
		return
	}

	ctx := r.Context()
	err = g.store.RemovePremium(ctx, ident.ID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to revoke premium", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("premium revoked", "user_id", ident.ID, "by", subject(ctx))
	g.respondUser(w, ctx, ident)
}

func (g *Gateway) respondUser(w http.ResponseWriter, ctx context.Context, ident *store.Identity) {
	u, err := g.store.GetUser(ctx, ident.ID)
	if err != nil {
		g.logger.Error("failed to reload user", "user_id", ident.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, userResponse(ident, u))
}

func userResponse(ident *store.Identity, u *store.User) UserResponse {
	resp := UserResponse{
		ID:            u.ID,
		MatrixID:      ident.ExternalID,
		DisplayName:   u.DisplayName,
		Username:      u.Username,
		Verified:      u.Verified,
		Premium:       u.Premium,
		PremiumPlan:   u.PremiumPlan,
		IsAdmin:       u.IsAdmin,
		TotalSearches: u.TotalSearches,
		CreatedAt:     u.CreatedAt.Format(time.RFC3339),
		LastActive:    u.LastActive.Format(time.RFC3339),
	}
	if u.Verified && u.VerifyExpiry != nil {
		resp.VerifyExpiry = u.VerifyExpiry.Format(time.RFC3339)
	}
	if u.PremiumExpiry != nil {
		resp.PremiumExpiry = u.PremiumExpiry.Format(time.RFC3339)
	}
	if u.Pending != nil {
		resp.Pending = &PendingResponse{
			GroupID:   u.Pending.GroupID,
			Query:     u.Pending.Query,
			CreatedAt: u.Pending.CreatedAt.Format(time.RFC3339),
		}
	}
	return resp
}

// subject names the caller for audit logs.
func subject(ctx context.Context) string {
	if a := auth.FromContext(ctx); a != nil {
		return a.Subject
	}
	return ""
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError sends a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
