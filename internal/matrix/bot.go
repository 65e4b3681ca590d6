// ABOUTME: Bot runs the Matrix sync loop and dispatches events to handlers
// ABOUTME: Each event is processed on its own goroutine under the bot's context

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/autofilter-gateway/internal/dedupe"
	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/store"
)

// Config configures a Bot.
type Config struct {
	UserID        id.UserID
	CommandPrefix string
	// IndexRooms feed the shared library and never trigger searches.
	IndexRooms []string
	Admins     []string
	// PMSearch lets users search the whole library from a direct room.
	PMSearch bool
	WallTTL  time.Duration
}

// Store is what the bot reads and writes directly.
type Store interface {
	Identities
	RegisterGroup(ctx context.Context, groupID int64, title string) error
	DeactivateGroup(ctx context.Context, groupID int64) error
	SaveFile(ctx context.Context, f *store.File) error
	Stats(ctx context.Context) (*store.Stats, error)
}

// Bot connects Matrix events to the orchestrator.
type Bot struct {
	client    *mautrix.Client
	transport *Transport
	orch      *gating.Orchestrator
	store     Store
	seen      *dedupe.Cache
	walls     *walls
	cfg       Config
	logger    *slog.Logger

	indexRooms map[id.RoomID]bool
	admins     map[id.UserID]bool

	ready atomic.Bool
	wg    sync.WaitGroup

	// ctx is the parent context for event goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBot creates a Bot. client is only used by Run; seen may be nil.
func NewBot(client *mautrix.Client, transport *Transport, orch *gating.Orchestrator, st Store, seen *dedupe.Cache, cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		client:     client,
		transport:  transport,
		orch:       orch,
		store:      st,
		seen:       seen,
		walls:      newWalls(cfg.WallTTL),
		cfg:        cfg,
		logger:     logger.With("component", "matrix.bot"),
		indexRooms: make(map[id.RoomID]bool, len(cfg.IndexRooms)),
		admins:     make(map[id.UserID]bool, len(cfg.Admins)),
	}
	for _, r := range cfg.IndexRooms {
		b.indexRooms[id.RoomID(r)] = true
	}
	for _, a := range cfg.Admins {
		b.admins[id.UserID(a)] = true
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Run syncs with the homeserver and blocks until ctx is cancelled or the
// sync loop fails.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("matrix client not configured")
	}
	b.logger.Info("starting matrix bot", "user_id", b.cfg.UserID)

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, _ string) bool {
		if !b.ready.Swap(true) {
			b.logger.Info("initial sync complete")
		}
		return true
	})
	syncer.OnSync(b.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.EventReaction, b.handleReactionEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bot")
		b.client.StopSync()
		return nil
	case err := <-syncErr:
		b.ready.Store(false)
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// Ready reports whether the first sync has completed.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// Close cancels in-flight event handlers and waits for them.
func (b *Bot) Close() {
	b.cancel()
	b.wg.Wait()
	b.walls.close()
}

// spawn runs fn on its own goroutine so the sync loop never blocks.
func (b *Bot) spawn(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// duplicate reports whether evt was already handled.
func (b *Bot) duplicate(evt *event.Event) bool {
	if b.seen == nil || evt.ID == "" {
		return false
	}
	return b.seen.CheckAndMark(evt.ID.String())
}

func (b *Bot) isAdmin(user id.UserID) bool {
	return b.admins[user]
}

// isDirect reports whether room is userID's direct room with the bot.
func (b *Bot) isDirect(ctx context.Context, userID int64, room id.RoomID) bool {
	ident, err := b.store.LookupIdentity(ctx, userID)
	if err != nil {
		return false
	}
	return ident.DMRoom == room.String()
}

// truncate shortens s to maxLen runes for logging.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
