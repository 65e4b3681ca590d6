// ABOUTME: Orchestrator runs the gating state machine for search requests
// ABOUTME: Submit from groups, Resume after a gate clears, Retry from the membership wall

package gating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/autofilter-gateway/internal/store"
)

// Deps wires an Orchestrator to its collaborators.
type Deps struct {
	Users    UserStore
	Groups   GroupSettingsStore
	Defaults store.GroupDefaults

	Links    RedirectLinkProvider // optional
	Members  MembershipProvider   // optional; nil treats everyone as member
	Invites  InviteResolver       // optional
	Delivery DeliveryAdapter

	Verification VerificationConfig
	Logger       *slog.Logger
}

// Orchestrator ties the access policy, both gates and the pending slot into
// one flow ending in delivery or a prompt. It keeps no state of its own.
type Orchestrator struct {
	users      UserStore
	settings   *Settings
	verify     *VerificationGate
	membership *MembershipGate
	invites    InviteResolver
	delivery   DeliveryAdapter
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Orchestrator and its gates.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Verification.Now == nil {
		d.Verification.Now = time.Now
	}

	settings := NewSettings(d.Groups, d.Defaults)
	return &Orchestrator{
		users:      d.Users,
		settings:   settings,
		verify:     NewVerificationGate(d.Users, d.Links, d.Verification, logger),
		membership: NewMembershipGate(d.Members, d.Invites, settings, logger),
		invites:    d.Invites,
		delivery:   d.Delivery,
		now:        d.Verification.Now,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Verification returns the verification gate, for redeeming tokens.
func (o *Orchestrator) Verification() *VerificationGate {
	return o.verify
}

// Membership returns the membership gate.
func (o *Orchestrator) Membership() *MembershipGate {
	return o.membership
}

// Submit handles a fresh search. A blocked request is persisted as the
// user's pending request and the first unmet gate's prompt is returned.
func (o *Orchestrator) Submit(ctx context.Context, req RequestContext) (Result, error) {
	err := o.users.EnsureUser(ctx, &store.User{
		ID:          req.UserID,
		DisplayName: req.DisplayName,
		Username:    req.Username,
		IsAdmin:     req.IsAdmin,
	})
	if err != nil {
		return Result{State: StateEvaluating, Request: req}, storeErr("creating user", err)
	}

	return o.evaluate(ctx, req, false)
}

// Resume continues the user's pending request after a gate cleared, sending
// results into chatID. With nothing pending it returns StateFinished.
func (o *Orchestrator) Resume(ctx context.Context, userID, chatID int64) (Result, error) {
	pending, err := o.users.GetPending(ctx, userID)
	if err != nil {
		return Result{State: StateEvaluating}, storeErr("loading pending request", err)
	}
	if pending == nil {
		o.logger.Debug("resume with nothing pending", "user_id", userID, "state", StateFinished)
		return Result{State: StateFinished, Prompt: finishedPrompt()}, nil
	}

	return o.evaluate(ctx, RequestContext{
		UserID:  userID,
		GroupID: pending.GroupID,
		ChatID:  chatID,
		Query:   pending.Query,
	}, true)
}

// Retry handles a tap on the membership wall's retry affordance. A cleared
// retry resumes the stored pending request, or the payload's request when
// the slot is already empty.
func (o *Orchestrator) Retry(ctx context.Context, token string, actingUserID, chatID int64) (Result, error) {
	outcome, err := o.membership.HandleRetry(ctx, token, actingUserID)
	if err != nil {
		return Result{State: StateMembershipWall}, err
	}

	req := RequestContext{
		UserID:  outcome.Payload.UserID,
		GroupID: outcome.Payload.GroupID,
		ChatID:  chatID,
		Query:   outcome.Payload.Query,
	}
	if !outcome.Cleared {
		return Result{State: StateMembershipWall, Request: req, Prompt: outcome.Prompt}, nil
	}

	pending, err := o.users.GetPending(ctx, actingUserID)
	if err != nil {
		return Result{State: StateEvaluating, Request: req}, storeErr("loading pending request", err)
	}
	if pending != nil {
		if pending.GroupID != 0 {
			req.GroupID = pending.GroupID
		}
		if pending.Query != "" {
			req.Query = pending.Query
		}
	}

	return o.evaluate(ctx, req, true)
}

// evaluate re-checks every gate for req. When none remain it clears the
// pending slot (resumed requests only) and then delivers.
func (o *Orchestrator) evaluate(ctx context.Context, req RequestContext, resumed bool) (Result, error) {
	user, err := o.verify.LoadUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{ID: req.UserID}
	} else if err != nil {
		return Result{State: StateEvaluating, Request: req}, err
	}

	settings, err := o.settings.For(ctx, req.GroupID)
	if err != nil {
		return Result{State: StateEvaluating, Request: req}, err
	}

	decision := Evaluate(user, settings, o.now())

	if decision.NeedsVerification {
		prompt, err := o.verify.Issue(ctx, req, settings)
		if err != nil {
			return Result{State: StateEvaluating, Request: req}, err
		}
		o.logger.Info("verification required", "user_id", req.UserID, "group_id", req.GroupID, "state", StateVerifyWall)
		return Result{State: StateVerifyWall, Request: req, Prompt: prompt}, nil
	}

	if decision.NeedsMembership && !o.membership.IsMember(ctx, req.UserID, settings.MembershipChannel) {
		if err := o.users.SetPending(ctx, req.UserID, req.GroupID, req.Query); err != nil {
			return Result{State: StateEvaluating, Request: req}, storeErr("saving pending request", err)
		}
		payload := RetryPayload{UserID: req.UserID, GroupID: req.GroupID, Query: req.Query}
		prompt := o.membership.Prompt(ctx, payload, settings.MembershipChannel, false)
		o.logger.Info("membership required", "user_id", req.UserID, "group_id", req.GroupID, "state", StateMembershipWall)
		return Result{State: StateMembershipWall, Request: req, Prompt: prompt}, nil
	}

	if resumed {
		// Cleared before delivery: a crash mid-delivery must not replay the request.
		if err := o.users.ClearPending(ctx, req.UserID); err != nil {
			return Result{State: StateEvaluating, Request: req}, storeErr("clearing pending request", err)
		}
		if req.Query == "" {
			return Result{State: StateFinished, Request: req, Prompt: finishedPrompt()}, nil
		}
	}

	return o.deliver(ctx, req)
}

func (o *Orchestrator) deliver(ctx context.Context, req RequestContext) (Result, error) {
	o.logger.Debug("delivering", "user_id", req.UserID, "group_id", req.GroupID, "state", StateDelivering)

	report, err := o.delivery.SearchAndSend(ctx, req, req.Query)
	if err != nil {
		return Result{State: StateDelivering, Request: req}, fmt.Errorf("delivering results: %w", err)
	}

	if report.Attempted == 0 {
		var groupLink string
		if req.Private() && o.invites != nil {
			groupLink = o.invites.InviteLink(ctx, req.GroupID)
		}
		o.logger.Info("no results", "user_id", req.UserID, "group_id", req.GroupID, "state", StateNoResults)
		return Result{
			State:   StateNoResults,
			Request: req,
			Prompt:  noResultsPrompt(req.Query, req.Private(), groupLink),
		}, nil
	}

	if failed := report.Failed(); failed > 0 {
		o.logger.Warn("partial delivery",
			"user_id", req.UserID,
			"attempted", report.Attempted,
			"sent", report.Sent,
			"failed", failed,
		)
	}
	o.logger.Info("delivered", "user_id", req.UserID, "group_id", req.GroupID, "sent", report.Sent, "state", StateDelivered)
	return Result{State: StateDelivered, Request: req, Report: report}, nil
}
