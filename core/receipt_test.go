package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiptFixture struct {
	ctx         context.Context
	index       *fakeIndex
	broadcaster *fakeBroadcaster
	receipts    *ReadReceiptCoordinator
}

func newReceiptFixture(t *testing.T) *receiptFixture {
	f := &receiptFixture{
		ctx:         context.Background(),
		index:       newFakeIndex(),
		broadcaster: newFakeBroadcaster(),
	}
	f.receipts = NewReadReceiptCoordinator(f.index, f.broadcaster, time.Minute, 10, testLogger())
	return f
}

func TestMarkDelivered(t *testing.T) {

	t.Run("delivery increments unread", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")

		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-1", "bob"))
		assert.Equal(t, 1, f.receipts.UnreadCount("bob"))
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")

		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-1", "bob"))
		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-1", "bob"))
		assert.Equal(t, 1, f.receipts.UnreadCount("bob"))
	})

	t.Run("unknown message", func(t *testing.T) {
		f := newReceiptFixture(t)

		err := f.receipts.MarkDelivered(f.ctx, "nope", "bob")
		assert.True(t, errors.Is(err, ErrUnknownMessage))
	})
}

func TestMarkRead(t *testing.T) {

	t.Run("read clears unread and broadcasts once per room", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.index.add("msg-2", "room-1")
		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-1", "bob"))
		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-2", "bob"))

		failed := f.receipts.MarkRead(f.ctx, []string{"msg-2", "msg-1"}, "bob")

		assert.Empty(t, failed)
		assert.Equal(t, 0, f.receipts.UnreadCount("bob"))
		sends := f.broadcaster.roomSendsTo("room-1")
		require.Len(t, sends, 1)
		payload := decodePayload[ReceiptUpdatedPayload](t, sends[0].event)
		assert.Equal(t, "bob", payload.ReadBy)
		assert.Equal(t, []string{"msg-1", "msg-2"}, payload.MessageIDs)
	})

	t.Run("repeated reads are idempotent", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		require.Nil(t, f.receipts.MarkDelivered(f.ctx, "msg-1", "bob"))

		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		assert.Equal(t, 0, f.receipts.UnreadCount("bob"))
		summary, err := f.receipts.Summary(f.ctx, "msg-1", "bob")
		require.Nil(t, err)
		assert.Equal(t, 1, summary.ReadCount)
	})

	t.Run("read without prior delivery keeps unread at zero", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")

		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		assert.Equal(t, 0, f.receipts.UnreadCount("bob"))
		summary, err := f.receipts.Summary(f.ctx, "msg-1", "bob")
		require.Nil(t, err)
		assert.True(t, summary.ViewerHasRead)
	})

	t.Run("unknown ids fail individually while the rest commit", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")

		failed := f.receipts.MarkRead(f.ctx, []string{"msg-1", "nope-1", "nope-2"}, "bob")

		require.Len(t, failed, 2)
		assert.Equal(t, "nope-1", failed[0].MessageID)
		assert.True(t, errors.Is(failed[0].Err, ErrUnknownMessage))
		assert.Equal(t, "nope-2", failed[1].MessageID)

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "bob")
		require.Nil(t, err)
		assert.True(t, summary.ViewerHasRead)
		require.Len(t, f.broadcaster.roomSendsTo("room-1"), 1)
	})

	t.Run("batch spanning rooms broadcasts per room", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.index.add("msg-2", "room-2")

		failed := f.receipts.MarkRead(f.ctx, []string{"msg-1", "msg-2"}, "bob")

		assert.Empty(t, failed)
		assert.Equal(t, 1, f.broadcaster.roomSendCount("room-1"))
		assert.Equal(t, 1, f.broadcaster.roomSendCount("room-2"))
	})
}

func TestReadSummary(t *testing.T) {

	t.Run("summary for unknown message", func(t *testing.T) {
		f := newReceiptFixture(t)

		_, err := f.receipts.Summary(f.ctx, "nope", "bob")
		assert.True(t, errors.Is(err, ErrUnknownMessage))
	})

	t.Run("summary reflects readers sorted", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "carol")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 2, summary.ReadCount)
		assert.Equal(t, []string{"bob", "carol"}, summary.ReaderIDs)
		assert.False(t, summary.ViewerHasRead)
	})

	t.Run("reader list is capped", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.receipts.maxReaders = 3
		f.index.add("msg-1", "room-1")
		for i := 0; i < 5; i++ {
			f.receipts.MarkRead(f.ctx, []string{"msg-1"}, fmt.Sprintf("user-%d", i))
		}

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 5, summary.ReadCount)
		assert.Len(t, summary.ReaderIDs, 3)
	})

	t.Run("stale cache is recomputed after the ttl", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 1, summary.ReadCount)

		// age the cached entry past the ttl by moving the clock
		base := time.Now()
		f.receipts.now = func() time.Time { return base.Add(2 * time.Minute) }

		f.receipts.mu.Lock()
		f.receipts.receipts["msg-1"]["carol"] = &ReadReceipt{
			MessageID: "msg-1", UserID: "carol",
			DeliveredAt: base, ReadAt: base,
		}
		f.receipts.mu.Unlock()

		summary, err = f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 2, summary.ReadCount)
	})

	t.Run("read invalidates the cached summary", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 1, summary.ReadCount)

		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "carol")

		summary, err = f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)
		assert.Equal(t, 2, summary.ReadCount)
	})

	t.Run("viewer flag is always live", func(t *testing.T) {
		f := newReceiptFixture(t)
		f.index.add("msg-1", "room-1")
		f.receipts.MarkRead(f.ctx, []string{"msg-1"}, "bob")

		// prime the cache from another viewer
		_, err := f.receipts.Summary(f.ctx, "msg-1", "alice")
		require.Nil(t, err)

		summary, err := f.receipts.Summary(f.ctx, "msg-1", "bob")
		require.Nil(t, err)
		assert.True(t, summary.ViewerHasRead)
	})
}
