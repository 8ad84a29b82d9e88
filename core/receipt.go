package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const ReceiptUpdatedEvent = "receipt.updated"

type ReceiptUpdatedPayload struct {
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
	ReadBy     string   `json:"read_by"`
}

// ReadReceipt records delivery and read state of one message for one user.
// Zero timestamps mean unset. Invariant: ReadAt set implies DeliveredAt set
// and DeliveredAt <= ReadAt.
type ReadReceipt struct {
	MessageID   string    `json:"message_id"`
	UserID      string    `json:"user_id"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	ReadAt      time.Time `json:"read_at,omitempty"`
}

func (r ReadReceipt) Delivered() bool { return !r.DeliveredAt.IsZero() }
func (r ReadReceipt) Read() bool      { return !r.ReadAt.IsZero() }

// ReadSummary is a derived projection of a message's receipts for display.
// It is cached, never the source of truth.
type ReadSummary struct {
	MessageID     string   `json:"message_id"`
	ReadCount     int      `json:"read_count"`
	ViewerHasRead bool     `json:"viewer_has_read"`
	ReaderIDs     []string `json:"reader_ids"`
}

// BatchError reports a per-item failure of a bulk receipt operation.
type BatchError struct {
	MessageID string `json:"message_id"`
	Err       error  `json:"error"`
}

func (e BatchError) Error() string {
	return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
}

// MessageIndex is the persistence collaborator: it answers whether a message
// exists and which room it belongs to.
type MessageIndex interface {
	MessageRoom(ctx context.Context, messageID string) (string, error)
}

type cachedSummary struct {
	readCount int
	readerIDs []string
	cachedAt  time.Time
}

// ReadReceiptCoordinator owns per-(message, user) delivery and read state,
// per-user unread counters and the short-lived ReadSummary cache. Receipts
// are ephemeral: they live for the process lifetime only.
type ReadReceiptCoordinator struct {
	mu       sync.Mutex
	receipts map[string]map[string]*ReadReceipt // message id -> user id -> receipt
	unread   map[string]int                     // user id -> delivered but unread

	cache      *SyncMap[string, cachedSummary]
	cacheTTL   time.Duration
	maxReaders int

	index       MessageIndex
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

func NewReadReceiptCoordinator(index MessageIndex, broadcaster Broadcaster, cacheTTL time.Duration, maxReaders int, logger *slog.Logger) *ReadReceiptCoordinator {
	return &ReadReceiptCoordinator{
		receipts:    make(map[string]map[string]*ReadReceipt),
		unread:      make(map[string]int),
		cache:       NewSyncMap[string, cachedSummary](),
		cacheTTL:    cacheTTL,
		maxReaders:  maxReaders,
		index:       index,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// MarkDelivered sets the delivered timestamp if unset. Idempotent.
func (c *ReadReceiptCoordinator) MarkDelivered(ctx context.Context, messageID, userID string) error {
	if _, err := c.index.MessageRoom(ctx, messageID); err != nil {
		return fmt.Errorf("MessageRoom: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.receiptLocked(messageID, userID)
	if r.Delivered() {
		return nil
	}
	r.DeliveredAt = c.now()
	if !r.Read() {
		c.unread[userID]++
	}
	return nil
}

// MarkRead bulk-marks messages read for the user. Already-read ids are
// skipped without error; unknown ids are collected into the returned partial
// failure list while the rest of the batch commits. One aggregated
// receipt.updated event is emitted per affected room, not one per message.
func (c *ReadReceiptCoordinator) MarkRead(ctx context.Context, messageIDs []string, userID string) []BatchError {
	var failed []BatchError
	byRoom := make(map[string][]string)

	for _, messageID := range messageIDs {
		roomID, err := c.index.MessageRoom(ctx, messageID)
		if err != nil {
			failed = append(failed, BatchError{MessageID: messageID, Err: err})
			continue
		}
		c.markOneRead(messageID, userID)
		byRoom[roomID] = append(byRoom[roomID], messageID)
	}

	for roomID, ids := range byRoom {
		sort.Strings(ids)
		e, err := NewEvent(ReceiptUpdatedEvent, ReceiptUpdatedPayload{
			RoomID:     roomID,
			MessageIDs: ids,
			ReadBy:     userID,
		})
		if err != nil {
			c.logger.Error(fmt.Sprintf("receipt broadcast: %v", err))
			continue
		}
		c.broadcaster.ToRoom(roomID, e)
	}

	return failed
}

func (c *ReadReceiptCoordinator) markOneRead(messageID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.receiptLocked(messageID, userID)
	if r.Read() {
		return
	}
	now := c.now()
	wasDelivered := r.Delivered()
	if !wasDelivered {
		r.DeliveredAt = now
	}
	r.ReadAt = now
	if wasDelivered && c.unread[userID] > 0 {
		c.unread[userID]--
	}
	c.cache.Delete(messageID)
}

// Summary returns the read summary for the message from the viewer's
// perspective. The viewer-independent part is served from cache while it is
// younger than the cache TTL and recomputed otherwise.
func (c *ReadReceiptCoordinator) Summary(ctx context.Context, messageID, viewerID string) (ReadSummary, error) {
	if _, err := c.index.MessageRoom(ctx, messageID); err != nil {
		return ReadSummary{}, fmt.Errorf("MessageRoom: %w", err)
	}

	now := c.now()
	cached, ok := c.cache.Load(messageID)
	if !ok || now.Sub(cached.cachedAt) >= c.cacheTTL {
		cached = c.recompute(messageID)
	}

	c.mu.Lock()
	viewerHasRead := false
	if byUser, ok := c.receipts[messageID]; ok {
		if r, ok := byUser[viewerID]; ok {
			viewerHasRead = r.Read()
		}
	}
	c.mu.Unlock()

	return ReadSummary{
		MessageID:     messageID,
		ReadCount:     cached.readCount,
		ViewerHasRead: viewerHasRead,
		ReaderIDs:     cached.readerIDs,
	}, nil
}

// UnreadCount returns the number of delivered but unread messages for the
// user.
func (c *ReadReceiptCoordinator) UnreadCount(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[userID]
}

func (c *ReadReceiptCoordinator) recompute(messageID string) cachedSummary {
	c.mu.Lock()
	var readers []string
	for userID, r := range c.receipts[messageID] {
		if r.Read() {
			readers = append(readers, userID)
		}
	}
	c.mu.Unlock()

	sort.Strings(readers)
	summary := cachedSummary{readCount: len(readers), cachedAt: c.now()}
	if len(readers) > c.maxReaders {
		summary.readerIDs = readers[:c.maxReaders]
	} else {
		summary.readerIDs = readers
	}
	c.cache.Store(messageID, summary)
	return summary
}

// receiptLocked returns the receipt for (messageID, userID), creating it if
// absent. Callers hold c.mu.
func (c *ReadReceiptCoordinator) receiptLocked(messageID, userID string) *ReadReceipt {
	byUser, ok := c.receipts[messageID]
	if !ok {
		byUser = make(map[string]*ReadReceipt)
		c.receipts[messageID] = byUser
	}
	r, ok := byUser[userID]
	if !ok {
		r = &ReadReceipt{MessageID: messageID, UserID: userID}
		byUser[userID] = r
	}
	return r
}
