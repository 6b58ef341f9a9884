package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx/internal/store"
	"tx/internal/txerr"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return epoch })
	return NewService(s), s
}

func send(t *testing.T, svc *Service, channel, sender, content string) *store.Message {
	t.Helper()
	m, err := svc.Send(context.Background(), SendInput{
		Channel: channel, Sender: sender, Content: content,
	})
	require.NoError(t, err)
	return m
}

func messageIDs(ms []*store.Message) []int64 {
	ids := make([]int64, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, SendInput{Channel: "", Sender: "a"})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))

	_, err = svc.Send(ctx, SendInput{Channel: "c", Sender: ""})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))

	_, err = svc.Send(ctx, SendInput{Channel: "c", Sender: "a", TTLSeconds: -1})
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError), "negative TTL is rejected")
}

func TestFanOutCursors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m1 := send(t, svc, "c", "s", "one")
	m2 := send(t, svc, "c", "s", "two")
	m3 := send(t, svc, "c", "s", "three")
	assert.Less(t, m1.ID, m2.ID)
	assert.Less(t, m2.ID, m3.ID)

	// Reader A takes the first two, reader B the first one.
	a, err := svc.Inbox(ctx, InboxInput{Channel: "c", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID, m2.ID}, messageIDs(a))

	b, err := svc.Inbox(ctx, InboxInput{Channel: "c", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID}, messageIDs(b))

	// Each advances its own cursor; neither ack disturbs the other.
	a, err = svc.Inbox(ctx, InboxInput{Channel: "c", AfterID: m2.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{m3.ID}, messageIDs(a))

	b, err = svc.Inbox(ctx, InboxInput{Channel: "c", AfterID: m1.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{m2.ID, m3.ID}, messageIDs(b))

	all, err := svc.Inbox(ctx, InboxInput{Channel: "c"})
	require.NoError(t, err)
	assert.Len(t, all, 3, "reads without acks leave the channel intact")
}

func TestAck(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	m := send(t, svc, "c", "s", "hello")

	require.NoError(t, svc.Ack(ctx, m.ID))

	err := svc.Ack(ctx, m.ID)
	assert.True(t, txerr.HasCode(err, txerr.CodeMessageAlreadyAcked))

	err = svc.Ack(ctx, m.ID+999)
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))

	inbox, err := svc.Inbox(ctx, InboxInput{Channel: "c"})
	require.NoError(t, err)
	assert.Empty(t, inbox)

	inbox, err = svc.Inbox(ctx, InboxInput{Channel: "c", IncludeAcked: true})
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestAckAllAndPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	send(t, svc, "c", "s", "one")
	send(t, svc, "c", "s", "two")
	send(t, svc, "other", "s", "elsewhere")

	n, err := svc.Pending(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	acked, err := svc.AckAll(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acked)

	n, err = svc.Pending(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = svc.Pending(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "other channels are untouched")
}

func TestFindReplies(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	corr := "req-42"

	_, err := svc.Send(ctx, SendInput{Channel: "req", Sender: "a", Content: "ask", CorrelationID: &corr})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendInput{Channel: "resp", Sender: "b", Content: "answer", CorrelationID: &corr})
	require.NoError(t, err)
	send(t, svc, "req", "a", "unrelated")

	replies, err := svc.FindReplies(ctx, corr)
	require.NoError(t, err)
	assert.Len(t, replies, 2)

	_, err = svc.FindReplies(ctx, "")
	assert.True(t, txerr.HasCode(err, txerr.CodeValidationError))
}

func TestTTLAndGC(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, SendInput{Channel: "c", Sender: "s", Content: "short", TTLSeconds: 60})
	require.NoError(t, err)
	keeper := send(t, svc, "c", "s", "keeper")
	require.NoError(t, svc.Ack(ctx, keeper.ID))

	// Two minutes on: the TTL message is invisible and collectable.
	s.SetClock(func() time.Time { return epoch.Add(2 * time.Minute) })

	inbox, err := svc.Inbox(ctx, InboxInput{Channel: "c", IncludeAcked: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{keeper.ID}, messageIDs(inbox), "expired messages never surface")

	res, err := svc.GC(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, GCResult{Expired: 1, Acked: 1}, res)

	res, err = svc.GC(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, GCResult{}, res, "second gc finds nothing")
}
