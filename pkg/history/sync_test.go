package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/chatsync/pkg/conn"
	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/router"
	"github.com/voxhall/chatsync/pkg/store"
	"github.com/voxhall/chatsync/pkg/transport"
)

type fixture struct {
	tr   *transport.FakeTransport
	cm   *conn.Manager
	st   *store.Store
	rec  *store.Reconciler
	ctrl *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := transport.NewFakeTransport()
	rt := router.New(tr, "conv-1", "me", nil, nil)
	st := store.NewStore()
	rec := store.NewReconciler(st, "me", nil, nil)
	cm := conn.NewManager(tr, conn.Config{URL: "ws://test"}, nil, nil)

	return &fixture{
		tr:   tr,
		cm:   cm,
		st:   st,
		rec:  rec,
		ctrl: NewController(rt, rec, cm, "conv-1", Config{}, nil),
	}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.cm.Connect(context.Background(), "conv-1", "me"))
}

// lastRequest returns the most recent outbound sync request.
func (f *fixture) lastRequest(t *testing.T) model.SyncRequest {
	t.Helper()

	sent := f.tr.SentTo(transport.DestRequestSync)
	require.NotEmpty(t, sent)

	return sent[len(sent)-1].Payload.(model.SyncRequest)
}

func page(reqID string, ids ...string) *model.SyncResponse {
	resp := &model.SyncResponse{RequestID: reqID}
	for i, id := range ids {
		resp.Messages = append(resp.Messages, model.Message{
			ID:        id,
			SenderID:  "bob",
			Content:   "msg " + id,
			CreatedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			Status:    model.StatusSaved,
		})
	}

	return resp
}

func TestRequestWhileDisconnectedIsANoop(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	assert.Empty(t, f.tr.Sent())
}

func TestRequestDefaultsLimits(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	assert.Equal(t, 50, f.lastRequest(t).Limit)

	anchor := "m1"
	f.ctrl.Request(&anchor, model.DirBefore, 0)

	req := f.lastRequest(t)
	assert.Equal(t, 20, req.Limit)
	assert.Equal(t, model.DirBefore, req.Direction)
	require.NotNil(t, req.LastMessageID)
	assert.Equal(t, "m1", *req.LastMessageID)

	f.ctrl.Request(nil, model.DirInitial, 7)
	assert.Equal(t, 7, f.lastRequest(t).Limit)
}

func TestResponseFoldsIntoStore(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	req := f.lastRequest(t)

	f.ctrl.HandleResponse(page(req.RequestID, "m1", "m2", "m3"))

	assert.Equal(t, 3, f.st.Len())

	snap := f.st.Snapshot()
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "m3", snap[2].ID)
}

func TestResponseForUnknownRequestIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.HandleResponse(page("nobody-asked", "m1"))
	assert.Equal(t, 0, f.st.Len())
}

func TestResponseIsSingleUse(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	req := f.lastRequest(t)

	f.ctrl.HandleResponse(page(req.RequestID, "m1"))
	require.Equal(t, 1, f.st.Len())

	// A replay of the same request id is no longer pending.
	f.ctrl.HandleResponse(page(req.RequestID, "m2"))
	assert.Equal(t, 1, f.st.Len())
}

func TestResponseFromDeadSessionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	req := f.lastRequest(t)

	// The connection cycles before the response lands.
	f.cm.Disconnect()
	f.connect(t)

	f.ctrl.HandleResponse(page(req.RequestID, "m1"))
	assert.Equal(t, 0, f.st.Len())
}

func TestResetDropsPendingRequests(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.ctrl.Request(nil, model.DirInitial, 0)
	req := f.lastRequest(t)

	f.ctrl.Reset()

	f.ctrl.HandleResponse(page(req.RequestID, "m1"))
	assert.Equal(t, 0, f.st.Len())
}

func TestPageOverlappingLiveMessagesDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	live := model.Message{
		ID: "m2", SenderID: "bob", Content: "msg m2",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Status:    model.StatusSaved,
	}
	f.rec.UpsertRemote(&live)

	f.ctrl.Request(nil, model.DirInitial, 0)
	req := f.lastRequest(t)

	f.ctrl.HandleResponse(page(req.RequestID, "m1", "m2", "m3"))
	assert.Equal(t, 3, f.st.Len())
}
