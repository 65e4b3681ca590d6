// ABOUTME: Deliverer searches the file index and sends results through a chat transport
// ABOUTME: Handles captions, link mode, rate-limit retry, auto-delete and delivery records

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/store"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxResults       = 10
	DefaultRateLimitBackoff = 5 * time.Second
	DefaultSendTimeout      = 30 * time.Second
)

// MessageRef identifies a sent message so it can be deleted later.
type MessageRef string

// RateLimitError is returned by a Sender when the transport asks it to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Sender is the chat transport the deliverer drives.
type Sender interface {
	SendFile(ctx context.Context, chatID int64, f *store.File, caption string, protect bool) (MessageRef, error)
	SendText(ctx context.Context, chatID int64, markdown string) (MessageRef, error)
	Delete(ctx context.Context, chatID int64, ref MessageRef) error
	// FileLink returns a URL users can open to fetch f, for link mode.
	FileLink(f *store.File) string
}

// Searcher finds files for a query.
type Searcher interface {
	Search(ctx context.Context, groupID int64, query string, limit int) ([]*store.File, error)
}

// Recorder persists delivery bookkeeping.
type Recorder interface {
	SaveDelivery(ctx context.Context, rec *store.DeliveryRecord) error
	IncrementSearches(ctx context.Context, id int64) error
}

// Config tunes a Deliverer.
type Config struct {
	MaxResults       int
	RateLimitBackoff time.Duration // used when a RateLimitError carries no RetryAfter
	SendTimeout      time.Duration
}

// Deliverer implements gating.DeliveryAdapter.
type Deliverer struct {
	sender   Sender
	searcher Searcher
	settings *gating.Settings
	records  Recorder
	cfg      Config
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	timers map[*time.Timer]func()
	wg     sync.WaitGroup
}

// New creates a Deliverer.
func New(sender Sender, searcher Searcher, settings *gating.Settings, records Recorder, cfg Config, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Deliverer{
		sender:   sender,
		searcher: searcher,
		settings: settings,
		records:  records,
		cfg:      cfg,
		logger:   logger.With("component", "delivery"),
		sleep:    sleepCtx,
		timers:   make(map[*time.Timer]func()),
	}
}

// SearchAndSend searches for query in req's group and sends the results to
// req.ChatID. Individual send failures are counted, not returned.
func (d *Deliverer) SearchAndSend(ctx context.Context, req gating.RequestContext, query string) (gating.DeliveryReport, error) {
	settings, err := d.settings.For(ctx, req.GroupID)
	if err != nil {
		return gating.DeliveryReport{}, err
	}

	files, err := d.searcher.Search(ctx, req.GroupID, query, d.cfg.MaxResults)
	if err != nil {
		return gating.DeliveryReport{}, fmt.Errorf("searching: %w", err)
	}
	if len(files) == 0 {
		d.record(ctx, req, query, gating.DeliveryReport{})
		return gating.DeliveryReport{}, nil
	}

	if req.Private() {
		header := fmt.Sprintf("✅ **Access granted!**\n\nHere are the results for **%s**:", query)
		if _, err := d.send(ctx, func(ctx context.Context) (MessageRef, error) {
			return d.sender.SendText(ctx, req.ChatID, header)
		}); err != nil {
			d.logger.Warn("failed to send results header", "chat_id", req.ChatID, "error", err)
		}
	}

	var report gating.DeliveryReport
	if settings.LinkMode {
		report = d.sendLinks(ctx, req.ChatID, files)
	} else {
		var refs []MessageRef
		report, refs = d.sendFiles(ctx, req.ChatID, files, settings)
		d.scheduleDelete(ctx, req.ChatID, refs, settings.AutoDelete)
	}

	d.record(ctx, req, query, report)
	return report, nil
}

func (d *Deliverer) sendLinks(ctx context.Context, chatID int64, files []*store.File) gating.DeliveryReport {
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 Found **%d** file(s):\n", len(files))
	for i, f := range files {
		fmt.Fprintf(&b, "\n%d. [📁 %s](%s)", i+1, truncate(f.FileName, 50), d.sender.FileLink(f))
	}

	report := gating.DeliveryReport{Attempted: len(files)}
	_, err := d.send(ctx, func(ctx context.Context) (MessageRef, error) {
		return d.sender.SendText(ctx, chatID, b.String())
	})
	if err != nil {
		d.logger.Warn("failed to send link list", "chat_id", chatID, "error", err)
		return report
	}
	report.Sent = len(files)
	return report
}

func (d *Deliverer) sendFiles(ctx context.Context, chatID int64, files []*store.File, settings store.EffectiveSettings) (gating.DeliveryReport, []MessageRef) {
	report := gating.DeliveryReport{Attempted: len(files)}
	var refs []MessageRef
	for _, f := range files {
		caption := RenderCaption(settings.Caption, f)
		ref, err := d.send(ctx, func(ctx context.Context) (MessageRef, error) {
			return d.sender.SendFile(ctx, chatID, f, caption, settings.ProtectContent)
		})
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Warn("delivery cancelled", "chat_id", chatID, "sent", report.Sent, "error", ctx.Err())
				break
			}
			d.logger.Warn("failed to send file", "chat_id", chatID, "file_id", f.ID, "error", err)
			continue
		}
		report.Sent++
		refs = append(refs, ref)
	}
	return report, refs
}

// send runs fn with the send timeout, retrying once after a rate limit.
func (d *Deliverer) send(ctx context.Context, fn func(ctx context.Context) (MessageRef, error)) (MessageRef, error) {
	ref, err := d.attempt(ctx, fn)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return ref, err
	}

	wait := rl.RetryAfter
	if wait <= 0 {
		wait = d.cfg.RateLimitBackoff
	}
	d.logger.Debug("rate limited, backing off", "retry_after", wait)
	if err := d.sleep(ctx, wait); err != nil {
		return "", err
	}
	return d.attempt(ctx, fn)
}

func (d *Deliverer) attempt(ctx context.Context, fn func(ctx context.Context) (MessageRef, error)) (MessageRef, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return fn(sendCtx)
}

// scheduleDelete posts a notice and removes refs plus the notice after delay.
func (d *Deliverer) scheduleDelete(ctx context.Context, chatID int64, refs []MessageRef, delay time.Duration) {
	if delay <= 0 || len(refs) == 0 {
		return
	}

	notice := fmt.Sprintf("⏳ These files will be auto-deleted in **%s**.", formatDelay(delay))
	noticeRef, err := d.sender.SendText(ctx, chatID, notice)
	if err != nil {
		d.logger.Warn("failed to send auto-delete notice", "chat_id", chatID, "error", err)
	} else {
		refs = append(refs, noticeRef)
	}

	job := func() {
		defer d.wg.Done()
		d.deleteAll(chatID, refs)
	}

	d.wg.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		_, ok := d.timers[timer]
		delete(d.timers, timer)
		d.mu.Unlock()
		if ok {
			job()
		}
	})
	d.timers[timer] = job
}

func (d *Deliverer) deleteAll(chatID int64, refs []MessageRef) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	deleted := 0
	for _, ref := range refs {
		if err := d.sender.Delete(ctx, chatID, ref); err != nil {
			d.logger.Debug("auto-delete failed", "chat_id", chatID, "ref", ref, "error", err)
			continue
		}
		deleted++
	}
	d.logger.Debug("auto-deleted messages", "chat_id", chatID, "deleted", deleted)
}

// Flush runs every pending auto-delete now and waits for them to finish.
// Called on shutdown so delivered files do not outlive the process.
func (d *Deliverer) Flush() {
	d.mu.Lock()
	due := d.timers
	d.timers = make(map[*time.Timer]func())
	d.mu.Unlock()

	for t, job := range due {
		t.Stop()
		job()
	}
	d.wg.Wait()
}

func (d *Deliverer) record(ctx context.Context, req gating.RequestContext, query string, report gating.DeliveryReport) {
	if d.records == nil {
		return
	}
	err := d.records.SaveDelivery(ctx, &store.DeliveryRecord{
		UserID:    req.UserID,
		GroupID:   req.GroupID,
		Query:     query,
		Attempted: report.Attempted,
		Sent:      report.Sent,
	})
	if err != nil {
		d.logger.Warn("failed to record delivery", "user_id", req.UserID, "error", err)
	}
	if err := d.records.IncrementSearches(ctx, req.UserID); err != nil {
		d.logger.Debug("failed to count search", "user_id", req.UserID, "error", err)
	}
}

// RenderCaption fills the {file_name}, {file_size} and {file_type}
// placeholders of tmpl.
func RenderCaption(tmpl string, f *store.File) string {
	if tmpl == "" {
		tmpl = "{file_name}"
	}
	r := strings.NewReplacer(
		"{file_name}", f.FileName,
		"{file_size}", HumanBytes(f.FileSize),
		"{file_type}", f.FileType,
	)
	return r.Replace(tmpl)
}

// HumanBytes formats size with two decimals in binary units, e.g. "1.50 MB".
func HumanBytes(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	v := float64(size)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

func formatDelay(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d sec", int(d.Seconds()))
	}
	return fmt.Sprintf("%d min", int(d.Minutes()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
