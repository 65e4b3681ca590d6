// ABOUTME: RequestContext and the orchestration result types
// ABOUTME: A request is an immutable value; results carry state and an optional prompt

package gating

// RequestContext describes one search attempt.
type RequestContext struct {
	UserID  int64
	GroupID int64 // group the search came from
	ChatID  int64 // where results go: the group, or the user's private chat on resume
	Query   string

	// Profile of the requester, used when creating the user record
	DisplayName string
	Username    string
	IsAdmin     bool
}

// Private reports whether results go somewhere other than the origin group.
func (r RequestContext) Private() bool {
	return r.ChatID != r.GroupID
}

// State is where a request ended up after one orchestrator call.
// States are never stored; each call rebuilds them from the pending slot.
type State string

const (
	StateEvaluating     State = "evaluating"
	StateVerifyWall     State = "verify_wall"
	StateMembershipWall State = "membership_wall"
	StateDelivering     State = "delivering"
	StateDelivered      State = "delivered"
	StateNoResults      State = "no_results"
	StateFinished       State = "finished"
)

// Result is the outcome of Submit, Resume or Retry.
type Result struct {
	State   State
	Request RequestContext
	// Prompt is set for walls, NoResults and Finished; the frontend sends it.
	Prompt *Prompt
	Report DeliveryReport
}
