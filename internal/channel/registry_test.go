package channel

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

// fakeChannel is a minimal in-package transport; the mock package is
// not imported here to avoid a cycle.
type fakeChannel struct {
	name    string
	sent    []string
	sentJID []string
	sendErr error
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Owns(jid string) bool            { return strings.HasSuffix(jid, "@fake") }
func (f *fakeChannel) Connect(context.Context) error   { return nil }
func (f *fakeChannel) Disconnect() error               { return nil }
func (f *fakeChannel) SetCallbacks(Callbacks)          {}
func (f *fakeChannel) SetTyping(ctx context.Context, jid string, on bool) error { return nil }

func (f *fakeChannel) Send(ctx context.Context, jid, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentJID = append(f.sentJID, jid)
	f.sent = append(f.sent, text)
	return nil
}

func newRegistryEnv(t *testing.T, maxChunk int) (*Registry, *fakeChannel, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ch := &fakeChannel{name: "fake"}
	// High rate so pacing never stalls the tests.
	reg := NewRegistry(st, []Channel{ch}, 100000, maxChunk)
	return reg, ch, st
}

func TestDeliver_StripsInternalBlocks(t *testing.T) {
	reg, ch, _ := newRegistryEnv(t, 4000)
	require.NoError(t, reg.Deliver(context.Background(), "a@fake",
		"public part <internal>hidden reasoning</internal> more"))
	require.Len(t, ch.sent, 1)
	assert.NotContains(t, ch.sent[0], "hidden reasoning")
}

// TestDeliver_SuppressesEmpty: text that sanitizes to nothing is not
// sent at all.
func TestDeliver_SuppressesEmpty(t *testing.T) {
	reg, ch, _ := newRegistryEnv(t, 4000)
	require.NoError(t, reg.Deliver(context.Background(), "a@fake",
		"<internal>only notes</internal>"))
	assert.Empty(t, ch.sent)
}

func TestDeliver_UnownedJID(t *testing.T) {
	reg, _, _ := newRegistryEnv(t, 4000)
	err := reg.Deliver(context.Background(), "nobody@elsewhere", "hi")
	require.Error(t, err)
}

// TestDeliver_Chunking: long text splits under the chunk limit,
// preferring whitespace boundaries, and nothing is lost.
func TestDeliver_Chunking(t *testing.T) {
	reg, ch, _ := newRegistryEnv(t, 50)
	text := strings.Repeat("twelve chars ", 20) // 260 chars
	require.NoError(t, reg.Deliver(context.Background(), "a@fake", strings.TrimSpace(text)))

	require.Greater(t, len(ch.sent), 1)
	for _, c := range ch.sent {
		assert.LessOrEqual(t, len(c), 50)
	}
	assert.Equal(t, strings.TrimSpace(text), strings.Join(ch.sent, ""))
}

// TestDeliver_FailureStagesOutbox: a transport failure parks the text
// in the outbox; a later drain delivers it.
func TestDeliver_FailureStagesOutbox(t *testing.T) {
	reg, ch, st := newRegistryEnv(t, 4000)
	ch.sendErr = errors.New("transport down")

	require.NoError(t, reg.Deliver(context.Background(), "a@fake", "queued message"))
	assert.Empty(t, ch.sent)

	pending, err := st.OutboxPending(context.Background(), "fake", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "queued message", pending[0].Text)
	assert.Equal(t, "a@fake", pending[0].UserID)

	// Transport recovers; one drain pass delivers and acks.
	ch.sendErr = nil
	reg.drainChannel(context.Background(), ch)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "queued message", ch.sent[0])

	pending, err = st.OutboxPending(context.Background(), "fake", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestDrain_BumpsRetry: a still-failing entry gets its attempt count
// bumped and its retry time pushed out.
func TestDrain_BumpsRetry(t *testing.T) {
	reg, ch, st := newRegistryEnv(t, 4000)
	ch.sendErr = errors.New("still down")
	require.NoError(t, st.OutboxEnqueue(context.Background(), store.OutboxEntry{
		Channel: "fake", UserID: "a@fake", Text: "hi",
	}))

	reg.drainChannel(context.Background(), ch)

	pending, err := st.OutboxPending(context.Background(), "fake", time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.True(t, pending[0].NextRetry.After(time.Now()))
}

func TestSplitChunks(t *testing.T) {
	// Short input stays whole.
	assert.Equal(t, []string{"abc"}, splitChunks("abc", 10))

	// Multi-byte runes never split mid-sequence.
	text := strings.Repeat("héllo wörld ", 10)
	for _, c := range splitChunks(text, 16) {
		assert.True(t, len(c) <= 16)
		for _, r := range c {
			assert.NotEqual(t, '�', r)
		}
	}
}
