// ABOUTME: Store interfaces and data types for autofilter-gateway persistence
// ABOUTME: Defines users, pending requests, group settings, files and identities

package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidIdentity is returned when an identity kind or id is not usable
var ErrInvalidIdentity = errors.New("invalid identity")

// ChannelDisabled as a group's MembershipChannel turns the membership gate
// off for that group even when a default channel is configured.
const ChannelDisabled int64 = math.MinInt64

// User is a bot user keyed by its numeric platform id.
type User struct {
	ID            int64
	DisplayName   string
	Username      string
	Verified      bool
	VerifyExpiry  *time.Time // only meaningful while Verified is true
	Premium       bool
	PremiumPlan   string     // "free" when not premium
	PremiumExpiry *time.Time // nil means the plan never expires
	IsAdmin       bool
	Pending       *PendingRequest
	TotalSearches int
	CreatedAt     time.Time
	LastActive    time.Time
}

// PendingRequest is the single unresolved search a user left behind a gate.
// An empty Query means there is nothing to deliver once the gates clear.
type PendingRequest struct {
	GroupID   int64
	Query     string
	CreatedAt time.Time
}

// GroupSettings holds the per-group configuration. Nil pointers and empty
// strings mean "use the configured default" (see Effective).
type GroupSettings struct {
	GroupID           int64
	Title             string
	Active            bool
	VerificationOn    *bool
	MembershipChannel int64 // 0 = use default, ChannelDisabled = none
	ShortlinkHost     string
	ShortlinkAPIKey   string
	TutorialURL       string
	Caption           string
	ProtectContent    *bool
	LinkMode          *bool
	AutoDelete        *time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GroupDefaults are the process-wide values a group falls back to.
type GroupDefaults struct {
	VerificationOn    bool
	MembershipChannel int64
	ShortlinkHost     string
	ShortlinkAPIKey   string
	TutorialURL       string
	Caption           string
	ProtectContent    bool
	LinkMode          bool
	AutoDelete        time.Duration
}

// EffectiveSettings is GroupSettings with every default applied.
type EffectiveSettings struct {
	GroupID           int64
	Title             string
	VerificationOn    bool
	MembershipChannel int64
	ShortlinkHost     string
	ShortlinkAPIKey   string
	TutorialURL       string
	Caption           string
	ProtectContent    bool
	LinkMode          bool
	AutoDelete        time.Duration
}

// Effective resolves the group's overrides against defaults.
// A nil receiver yields the defaults for groupID 0.
func (g *GroupSettings) Effective(d GroupDefaults) EffectiveSettings {
	eff := EffectiveSettings{
		VerificationOn:    d.VerificationOn,
		MembershipChannel: d.MembershipChannel,
		ShortlinkHost:     d.ShortlinkHost,
		ShortlinkAPIKey:   d.ShortlinkAPIKey,
		TutorialURL:       d.TutorialURL,
		Caption:           d.Caption,
		ProtectContent:    d.ProtectContent,
		LinkMode:          d.LinkMode,
		AutoDelete:        d.AutoDelete,
	}
	if g == nil {
		return eff
	}

	eff.GroupID = g.GroupID
	eff.Title = g.Title
	if g.VerificationOn != nil {
		eff.VerificationOn = *g.VerificationOn
	}
	switch g.MembershipChannel {
	case 0:
	case ChannelDisabled:
		eff.MembershipChannel = 0
	default:
		eff.MembershipChannel = g.MembershipChannel
	}
	// Shortlink host and key only make sense as a pair
	if g.ShortlinkHost != "" && g.ShortlinkAPIKey != "" {
		eff.ShortlinkHost = g.ShortlinkHost
		eff.ShortlinkAPIKey = g.ShortlinkAPIKey
	}
	if g.TutorialURL != "" {
		eff.TutorialURL = g.TutorialURL
	}
	if g.Caption != "" {
		eff.Caption = g.Caption
	}
	if g.ProtectContent != nil {
		eff.ProtectContent = *g.ProtectContent
	}
	if g.LinkMode != nil {
		eff.LinkMode = *g.LinkMode
	}
	if g.AutoDelete != nil {
		eff.AutoDelete = *g.AutoDelete
	}
	return eff
}

// File types recorded for indexed media
const (
	FileTypeDocument = "document"
	FileTypeVideo    = "video"
	FileTypeAudio    = "audio"
	FileTypePhoto    = "photo"
)

// File is an indexed media item that can be delivered to users.
type File struct {
	ID        string
	GroupID   int64
	FileRef   string // transport reference, e.g. an mxc:// URI
	FileName  string
	FileSize  int64
	MimeType  string
	FileType  string
	Caption   string
	IndexedAt time.Time
}

// IdentityKind separates users from rooms in the identity table
type IdentityKind string

const (
	IdentityUser IdentityKind = "user"
	IdentityRoom IdentityKind = "room"
)

// Identity maps a transport identifier to the numeric id used by the bot.
// Users get positive ids, rooms negative ones.
type Identity struct {
	ID         int64
	Kind       IdentityKind
	ExternalID string
	DMRoom     string // users only: private room with the bot
	CreatedAt  time.Time
}

// DeliveryRecord is the audit row written for each delivery attempt.
type DeliveryRecord struct {
	ID        string
	UserID    int64
	GroupID   int64
	Query     string
	Attempted int
	Sent      int
	CreatedAt time.Time
}

// Stats is a snapshot of row counts for the admin API.
type Stats struct {
	Users        int
	PremiumUsers int
	Groups       int
	Files        int
	Pending      int
	Deliveries   int
}

// UserStore persists users, their verification state and pending requests.
type UserStore interface {
	// GetUser returns ErrNotFound for unknown users.
	GetUser(ctx context.Context, id int64) (*User, error)
	// EnsureUser inserts the user if missing and refreshes profile fields.
	EnsureUser(ctx context.Context, u *User) error
	SetVerified(ctx context.Context, id int64, expiry time.Time) error
	ClearVerified(ctx context.Context, id int64) error
	SetPremium(ctx context.Context, id int64, plan string, expiry *time.Time) error
	RemovePremium(ctx context.Context, id int64) error
	IncrementSearches(ctx context.Context, id int64) error

	// SetPending overwrites the user's single pending slot.
	SetPending(ctx context.Context, id int64, groupID int64, query string) error
	// GetPending returns nil, nil when the slot is empty.
	GetPending(ctx context.Context, id int64) (*PendingRequest, error)
	ClearPending(ctx context.Context, id int64) error
}

// GroupStore persists per-group settings.
type GroupStore interface {
	// GetGroupSettings returns ErrNotFound for groups never seen.
	GetGroupSettings(ctx context.Context, groupID int64) (*GroupSettings, error)
	UpsertGroupSettings(ctx context.Context, g *GroupSettings) error
	// RegisterGroup records a group the bot joined without touching settings.
	RegisterGroup(ctx context.Context, groupID int64, title string) error
	DeactivateGroup(ctx context.Context, groupID int64) error
}

// FileStore persists indexed files.
type FileStore interface {
	SaveFile(ctx context.Context, f *File) error
	// SearchFiles returns files whose names contain every term.
	// groupID 0 searches all groups; files stored under group 0 form a
	// shared library visible to every group.
	SearchFiles(ctx context.Context, groupID int64, terms []string, limit int) ([]*File, error)
	// ListFiles returns the most recently indexed files of a group.
	ListFiles(ctx context.Context, groupID int64, limit int) ([]*File, error)
	DeleteFiles(ctx context.Context, groupID int64, nameContains string) (int, error)
}

// IdentityStore maps transport identifiers to numeric ids.
type IdentityStore interface {
	// ResolveIdentity returns the numeric id, creating it on first use.
	ResolveIdentity(ctx context.Context, kind IdentityKind, externalID string) (int64, error)
	// LookupIdentity returns ErrNotFound for unknown ids.
	LookupIdentity(ctx context.Context, id int64) (*Identity, error)
	SetDMRoom(ctx context.Context, userID int64, roomID string) error
}

// DeliveryStore records delivery attempts.
type DeliveryStore interface {
	SaveDelivery(ctx context.Context, rec *DeliveryRecord) error
	ListDeliveries(ctx context.Context, userID int64, limit int) ([]*DeliveryRecord, error)
}

// Store is everything the gateway persists.
type Store interface {
	UserStore
	GroupStore
	FileStore
	IdentityStore
	DeliveryStore

	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources held by the store
	Close() error
}
