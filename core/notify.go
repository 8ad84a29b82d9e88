package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const NotificationEvent = "notification"

type NotificationType string

const (
	NotificationNewMessage NotificationType = "new_message"
	NotificationMention    NotificationType = "mention"
	NotificationReaction   NotificationType = "reaction"
)

type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "in_app"
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
	// ChannelNone disables delivery for a notification type.
	ChannelNone NotificationChannel = "none"
)

// Notification is the ephemeral record a dispatch decision is made on.
type Notification struct {
	Type      NotificationType `json:"type"`
	UserID    string           `json:"user_id"`
	Payload   json.RawMessage  `json:"payload"`
	DedupeKey string           `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

// QuietHours is a per-user window during which notifications are suppressed.
// The window may wrap midnight (e.g. 22:00 to 07:00). Start and End are
// minutes from midnight, interpreted against the dispatcher clock's timezone
// (server-local); per-user timezones are not stored.
type QuietHours struct {
	Enabled bool `json:"enabled"`
	Start   int  `json:"start" validate:"min=0,max=1439"`
	End     int  `json:"end" validate:"min=0,max=1439"`
}

// Contains reports whether t's local wall-clock time falls in the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if q.Start <= q.End {
		return minute >= q.Start && minute < q.End
	}
	// wraps midnight
	return minute >= q.Start || minute < q.End
}

// NotificationPrefs are one user's notification settings.
type NotificationPrefs struct {
	Enabled    bool                                     `json:"enabled"`
	QuietHours QuietHours                               `json:"quiet_hours"`
	Channels   map[NotificationType]NotificationChannel `json:"channels"`
}

func DefaultNotificationPrefs() NotificationPrefs {
	return NotificationPrefs{
		Enabled: true,
		Channels: map[NotificationType]NotificationChannel{
			NotificationNewMessage: ChannelInApp,
			NotificationMention:    ChannelInApp,
			NotificationReaction:   ChannelInApp,
		},
	}
}

// ChannelSender delivers notifications on out-of-band channels (email, SMS).
// It is an external collaborator; the dispatcher only invokes it after every
// filter has passed.
type ChannelSender interface {
	Deliver(ctx context.Context, channel NotificationChannel, n *Notification) error
}

// NotificationDispatcher filters coordinator-produced notifications before
// handoff. Filters apply in order: global enable, per-user enable, quiet
// hours, per-type channel preference, dedupe, then a sliding-window rate
// limiter that drops (never queues) excess notifications.
type NotificationDispatcher struct {
	mu     sync.Mutex
	prefs  map[string]NotificationPrefs
	window map[string][]time.Time
	dedupe map[string]time.Time

	enabled     bool
	limit       int
	windowSize  time.Duration
	broadcaster Broadcaster
	sender      ChannelSender
	logger      *slog.Logger
	now         func() time.Time
}

func NewNotificationDispatcher(broadcaster Broadcaster, sender ChannelSender, limit int, windowSize time.Duration, logger *slog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		prefs:       make(map[string]NotificationPrefs),
		window:      make(map[string][]time.Time),
		dedupe:      make(map[string]time.Time),
		enabled:     true,
		limit:       limit,
		windowSize:  windowSize,
		broadcaster: broadcaster,
		sender:      sender,
		logger:      logger,
		now:         time.Now,
	}
}

// SetEnabled toggles the global kill switch.
func (d *NotificationDispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *NotificationDispatcher) SetPrefs(userID string, prefs NotificationPrefs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefs[userID] = prefs
}

func (d *NotificationDispatcher) Prefs(userID string) NotificationPrefs {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.prefs[userID]; ok {
		return p
	}
	return DefaultNotificationPrefs()
}

// Dispatch runs the notification through the filter chain and, if it passes,
// hands it to the target channel. It reports whether the notification was
// delivered. Drops are logged, never returned as errors: a suppressed
// notification is not a failure of the caller.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, userID string, n *Notification) bool {
	now := d.now()
	n.UserID = userID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return false
	}
	prefs, ok := d.prefs[userID]
	if !ok {
		prefs = DefaultNotificationPrefs()
	}
	if !prefs.Enabled {
		d.mu.Unlock()
		return false
	}
	if prefs.QuietHours.Contains(now) {
		d.mu.Unlock()
		d.logger.Debug("notification suppressed by quiet hours",
			slog.String("user", userID), slog.String("type", string(n.Type)))
		return false
	}
	channel, ok := prefs.Channels[n.Type]
	if !ok {
		channel = ChannelInApp
	}
	if channel == ChannelNone {
		d.mu.Unlock()
		return false
	}
	if n.DedupeKey != "" {
		key := userID + ":" + n.DedupeKey
		if sent, ok := d.dedupe[key]; ok && now.Sub(sent) < d.windowSize {
			d.mu.Unlock()
			return false
		}
		d.dedupe[key] = now
	}

	// sliding-window rate limit: prune, then count
	cutoff := now.Add(-d.windowSize)
	sent := d.window[userID]
	kept := sent[:0]
	for _, ts := range sent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= d.limit {
		d.window[userID] = kept
		d.mu.Unlock()
		d.logger.Warn("notification dropped by rate limit",
			slog.String("user", userID), slog.String("type", string(n.Type)))
		return false
	}
	d.window[userID] = append(kept, now)
	d.mu.Unlock()

	d.deliver(ctx, channel, n)
	return true
}

func (d *NotificationDispatcher) deliver(ctx context.Context, channel NotificationChannel, n *Notification) {
	if channel == ChannelInApp {
		e, err := NewEvent(NotificationEvent, n)
		if err != nil {
			d.logger.Error(fmt.Sprintf("notification broadcast: %v", err))
			return
		}
		d.broadcaster.ToUsers(e, n.UserID)
		return
	}
	if d.sender == nil {
		d.logger.Warn("no sender configured for channel", slog.String("channel", string(channel)))
		return
	}
	if err := d.sender.Deliver(ctx, channel, n); err != nil {
		d.logger.Error(fmt.Sprintf("deliver %s notification: %v", channel, err))
	}
}
