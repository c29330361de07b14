package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/vectorstore"
)

func newTestChatService(t *testing.T, replies ...string) (*ChatService, *store.SQLiteStore, *scriptedLLM, Caller) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	user, err := db.CreateUser(context.Background(), "alice", "acme", []string{"*"}, "hash")
	require.NoError(t, err)

	model := &scriptedLLM{replies: replies}
	retrieval := NewRetrievalService(vectorstore.NewMemoryStore(), &hashEmbedder{}, RetrievalConfig{}, nil)
	orch := NewOrchestrator(retrieval, model, nil, nil, OrchestratorConfig{MaxHistory: 10}, nil)
	svc := NewChatService(db, orch, fixedLLM(`"Lease Questions."`), 10, nil)
	return svc, db, model, Caller{UserID: user.ID, ExternalID: user.ExternalUserID, TenantID: user.TenantID, Scopes: user.Scopes}
}

func TestChatService_Conversation(t *testing.T) {
	svc, _, model, caller := newTestChatService(t,
		`{"type":"final","message":"Leases renew yearly."}`,
		`{"type":"final","message":"Yes, with 60 days notice."}`,
	)
	ctx := context.Background()

	chat, msgs, err := svc.CreateChat(ctx, caller, &MessageOptions{Content: "How do leases renew?"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "Leases renew yearly.", msgs[1].Content)
	assert.Equal(t, "acme", chat.TenantID)

	reply, resp, err := svc.PostMessage(ctx, caller, chat.ID, MessageOptions{Content: "Can tenants cancel?"})
	require.NoError(t, err)
	assert.Equal(t, "Yes, with 60 days notice.", reply.Content)
	assert.Equal(t, reply.Content, resp.Message)
	// The response is handed back as built, not decoded from the stored details.
	assert.IsType(t, int64(0), resp.Metadata["elapsed_ms"])
	assert.Equal(t, 0, resp.Metadata["chunks_retrieved"])
	assert.NotEmpty(t, reply.Details)

	// The second model call sees the first exchange as history.
	second := model.requests[1]
	require.Len(t, second, 4)
	assert.Equal(t, "How do leases renew?", second[1].Content)
	assert.Equal(t, "Leases renew yearly.", second[2].Content)

	_, all, err := svc.GetChatDetails(ctx, chat.ID, caller.UserID)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.Eventually(t, func() bool {
		got, _, err := svc.GetChatDetails(ctx, chat.ID, caller.UserID)
		return err == nil && got.Title != nil && *got.Title == "Lease Questions"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.SetMessageFeedback(ctx, reply.ID, caller.UserID, true))
}

func TestChatService_UnknownChat(t *testing.T) {
	svc, _, _, caller := newTestChatService(t)
	ctx := context.Background()

	_, _, err := svc.PostMessage(ctx, caller, "missing", MessageOptions{Content: "hi"})
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, _, err = svc.GetChatDetails(ctx, "missing", caller.UserID)
	assert.ErrorIs(t, err, ErrChatNotFound)

	chat, msgs, err := svc.CreateChat(ctx, caller, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	stranger := caller
	stranger.UserID = caller.UserID + 100
	_, _, err = svc.PostMessage(ctx, stranger, chat.ID, MessageOptions{Content: "hi"})
	assert.ErrorIs(t, err, ErrChatNotFound)
}
