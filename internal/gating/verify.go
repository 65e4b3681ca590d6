// ABOUTME: VerificationGate issues shortlinked deep links and redeems them
// ABOUTME: Expiry is checked lazily and corrected on read, with no background sweep

package gating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/2389/autofilter-gateway/internal/store"
)

// Verification defaults
const (
	DefaultVerifyDuration = 24 * time.Hour
	DefaultShortenTimeout = 10 * time.Second
)

// VerificationConfig configures a VerificationGate.
type VerificationConfig struct {
	// Duration is how long a redeemed verification stays valid.
	Duration time.Duration
	// BotLink is the deep-link base; the token is added as ?start=<token>.
	BotLink string
	// ShortenTimeout bounds the shortlink call before falling back to the plain link.
	ShortenTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	GroupID         int64
	AlreadyVerified bool
	Expiry          time.Time
}

// VerificationGate owns the visit-an-external-page step.
type VerificationGate struct {
	users  UserStore
	links  RedirectLinkProvider
	cfg    VerificationConfig
	logger *slog.Logger
}

// NewVerificationGate creates a VerificationGate. links may be nil, in which
// case prompts always carry the plain deep link.
func NewVerificationGate(users UserStore, links RedirectLinkProvider, cfg VerificationConfig, logger *slog.Logger) *VerificationGate {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultVerifyDuration
	}
	if cfg.ShortenTimeout <= 0 {
		cfg.ShortenTimeout = DefaultShortenTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationGate{
		users:  users,
		links:  links,
		cfg:    cfg,
		logger: logger.With("component", "verification"),
	}
}

// Issue persists req as the user's pending request and returns the
// verification prompt.
func (g *VerificationGate) Issue(ctx context.Context, req RequestContext, settings store.EffectiveSettings) (*Prompt, error) {
	if err := g.users.SetPending(ctx, req.UserID, req.GroupID, req.Query); err != nil {
		return nil, storeErr("saving pending request", err)
	}

	link := g.shorten(ctx, g.DeepLink(req.UserID, req.GroupID), settings)
	return verificationPrompt(link, settings.TutorialURL, g.cfg.Duration), nil
}

// DeepLink builds the unshortened verification link.
func (g *VerificationGate) DeepLink(userID, groupID int64) string {
	token := EncodeVerifyToken(userID, groupID)

	u, err := url.Parse(g.cfg.BotLink)
	if err != nil || g.cfg.BotLink == "" {
		return g.cfg.BotLink + "?start=" + token
	}
	q := u.Query()
	q.Set("start", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// shorten asks the provider for a short link and falls back to longURL on
// any failure or on a reply that is not a link.
func (g *VerificationGate) shorten(ctx context.Context, longURL string, settings store.EffectiveSettings) string {
	if g.links == nil || settings.ShortlinkHost == "" || settings.ShortlinkAPIKey == "" {
		return longURL
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ShortenTimeout)
	defer cancel()

	short, err := g.links.Shorten(ctx, longURL, settings.ShortlinkHost, settings.ShortlinkAPIKey)
	if err != nil {
		g.logger.Warn("shortlink failed, using plain link",
			"error", fmt.Errorf("%w: %w", ErrProviderUnavailable, err),
			"host", settings.ShortlinkHost,
		)
		return longURL
	}
	if !strings.HasPrefix(short, "http") {
		g.logger.Warn("shortlink returned a non-link reply, using plain link", "host", settings.ShortlinkHost)
		return longURL
	}
	return short
}

// Redeem consumes a verification token on behalf of requestingUserID.
// Redeeming while already verified succeeds without writing.
func (g *VerificationGate) Redeem(ctx context.Context, requestingUserID int64, token string) (RedeemResult, error) {
	userID, groupID, err := DecodeVerifyToken(token)
	if err != nil {
		return RedeemResult{}, err
	}
	if userID != requestingUserID {
		return RedeemResult{}, ErrTokenMismatch
	}

	u, err := g.LoadUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		if err := g.users.EnsureUser(ctx, &store.User{ID: userID}); err != nil {
			return RedeemResult{}, storeErr("creating user", err)
		}
		u = &store.User{ID: userID}
	} else if err != nil {
		return RedeemResult{}, err
	}

	now := g.cfg.Now()
	if IsCurrentlyVerified(u, now) {
		return RedeemResult{GroupID: groupID, AlreadyVerified: true, Expiry: *u.VerifyExpiry}, nil
	}

	expiry := now.Add(g.cfg.Duration)
	if err := g.users.SetVerified(ctx, userID, expiry); err != nil {
		return RedeemResult{}, storeErr("marking user verified", err)
	}

	g.logger.Info("user verified", "user_id", userID, "group_id", groupID, "expires", expiry)
	return RedeemResult{GroupID: groupID, Expiry: expiry}, nil
}

// LoadUser reads a user and corrects lapsed verification and premium flags.
// The correction is best effort; the returned snapshot is always corrected.
// Returns store.ErrNotFound for unknown users.
func (g *VerificationGate) LoadUser(ctx context.Context, id int64) (*store.User, error) {
	u, err := g.users.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("loading user", err)
	}

	now := g.cfg.Now()
	if u.Verified && !IsCurrentlyVerified(u, now) {
		if err := g.users.ClearVerified(ctx, id); err != nil {
			g.logger.Warn("failed to clear expired verification", "user_id", id, "error", err)
		}
		u.Verified = false
		u.VerifyExpiry = nil
	}
	if u.Premium && !HasPremium(u, now) {
		if err := g.users.RemovePremium(ctx, id); err != nil {
			g.logger.Warn("failed to clear expired premium", "user_id", id, "error", err)
		}
		u.Premium = false
		u.PremiumPlan = "free"
		u.PremiumExpiry = nil
	}
	return u, nil
}
