// Package history issues paged history requests over the connection and
// folds the responses into the conversation store through the same identity
// and de-duplication rules live pushes use, so a history page and a live
// push for the same message always converge to one entry.
package history

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/conn"
	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/router"
	"github.com/voxhall/chatsync/pkg/store"
	"github.com/voxhall/chatsync/pkg/transport"
)

// Config sets the page sizes. The initial page is deliberately larger than
// incremental pages.
type Config struct {
	InitialPageSize int
	PageSize        int
}

// Controller is the sync cursor controller for one conversation.
type Controller struct {
	mu sync.Mutex

	rt  *router.Router
	rec *store.Reconciler
	cm  *conn.Manager
	cfg Config
	log *zap.Logger

	conversationID string

	// pending maps request ids to the session they were issued in, so a
	// response that outlives its connection is discarded, not applied.
	pending map[string]uint64
}

// NewController wires the controller.
func NewController(rt *router.Router, rec *store.Reconciler, cm *conn.Manager, conversationID string, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InitialPageSize <= 0 {
		cfg.InitialPageSize = 50
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}

	return &Controller{
		rt:             rt,
		rec:            rec,
		cm:             cm,
		cfg:            cfg,
		log:            log,
		conversationID: conversationID,
		pending:        make(map[string]uint64),
	}
}

// Request issues one cursor-based history fetch. INITIAL fetches the most
// recent page; BEFORE/AFTER extend the store from the anchor id. A request
// while the connection is down is a silent no-op; the caller re-issues
// after reconnect via the initial-sync trigger.
func (c *Controller) Request(lastMessageID *string, dir model.Direction, limit int) {
	if !c.cm.IsConnected() {
		c.log.Debug("sync request skipped, not connected", zap.Stringer("direction", dir))
		return
	}

	if limit <= 0 {
		if dir == model.DirInitial {
			limit = c.cfg.InitialPageSize
		} else {
			limit = c.cfg.PageSize
		}
	}

	req := model.SyncRequest{
		RequestID:      uuid.NewString(),
		ConversationID: c.conversationID,
		LastMessageID:  lastMessageID,
		Direction:      dir,
		Limit:          limit,
	}

	c.mu.Lock()
	c.pending[req.RequestID] = c.cm.Session()
	c.mu.Unlock()

	c.rt.Send(transport.DestRequestSync, req)

	c.log.Debug("sync requested",
		zap.String("request_id", req.RequestID),
		zap.Stringer("direction", dir),
		zap.Int("limit", limit),
	)
}

// HandleResponse folds one history page into the store. Responses for
// unknown request ids, or issued in a session that has since ended, are
// discarded whole.
func (c *Controller) HandleResponse(resp *model.SyncResponse) {
	c.mu.Lock()
	session, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("sync response for unknown request dropped", zap.String("request_id", resp.RequestID))
		return
	}
	if session != c.cm.Session() {
		c.log.Debug("sync response from dead session dropped", zap.String("request_id", resp.RequestID))
		return
	}

	for i := range resp.Messages {
		c.rec.UpsertRemote(&resp.Messages[i])
	}

	c.log.Debug("sync response folded",
		zap.String("request_id", resp.RequestID),
		zap.Int("messages", len(resp.Messages)),
		zap.Bool("has_more", resp.HasMore),
	)
}

// Reset drops all pending request bookkeeping. Called on disconnect.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = make(map[string]uint64)
}
