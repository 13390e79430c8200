package store

import (
	"errors"

	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/telemetry"
)

var (
	ErrNotFound  = errors.New("store: message not found")
	ErrNotFailed = errors.New("store: message is not in FAILED state")
)

// Notifier delivers the one-time "mark as delivered" side effect emitted
// when a message from another user reaches SAVED unread.
type Notifier func(messageID, userID string)

// CacheWriter persists messages that reached SAVED. Optional.
type CacheWriter interface {
	Put(msg model.Message) error
}

// Reconciler owns every mutation of the Store. It merges locally created
// messages, server acknowledgements and server pushes into one ordered,
// de-duplicated sequence, and enforces the status state machine.
type Reconciler struct {
	s   *Store
	log *zap.Logger
	met *telemetry.Metrics

	currentUserID string
	notify        Notifier
	cache         CacheWriter
	onChange      func()
}

// NewReconciler wires a reconciler to its store. notify, cache and onChange
// may be nil.
func NewReconciler(s *Store, currentUserID string, log *zap.Logger, met *telemetry.Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}

	return &Reconciler{
		s:             s,
		log:           log,
		met:           met,
		currentUserID: currentUserID,
	}
}

// SetNotifier installs the delivered-notice side effect sink.
func (r *Reconciler) SetNotifier(fn Notifier) { r.notify = fn }

// SetCache installs the write-through cache for persisted messages.
func (r *Reconciler) SetCache(c CacheWriter) { r.cache = c }

// SetOnChange installs the change-notification callback for the UI.
func (r *Reconciler) SetOnChange(fn func()) { r.onChange = fn }

// effects collects side effects decided under the store lock and executed
// after it is released, so sinks can safely call back into the store.
type effects struct {
	changed bool
	notice  *model.DeliveredNotice
	persist []model.Message
}

func (r *Reconciler) run(fx effects) {
	if fx.notice != nil && r.notify != nil {
		r.notify(fx.notice.MessageID, fx.notice.UserID)
	}

	for _, msg := range fx.persist {
		if r.cache == nil {
			break
		}
		if err := r.cache.Put(msg); err != nil {
			r.log.Warn("cache write failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	if fx.changed {
		r.met.SetStoreMessages(r.s.Len())

		if r.onChange != nil {
			r.onChange()
		}
	}
}

// AddLocal inserts a locally originated (optimistic) message. An absent
// status defaults to PENDING, which only ever applies here: remote inserts
// are normalized to a terminal-capable status.
func (r *Reconciler) AddLocal(msg model.Message) {
	r.s.mu.Lock()

	if existing := r.s.lookup(msg.Key()); existing != nil {
		r.s.mu.Unlock()
		r.log.Warn("duplicate local message ignored", zap.String("key", msg.Key()))

		return
	}

	r.s.insert(msg)
	r.s.mu.Unlock()

	r.run(effects{changed: true})
}

// ApplyStatus applies a server-pushed status transition, resolving identity
// by temp id first and carrying over the server-assigned id and confirmed
// timestamp. Events for unknown messages insert only when they carry a full
// payload; otherwise they are dropped. Illegal transitions (anything out of
// SAVED included) are dropped with a warning, never applied.
func (r *Reconciler) ApplyStatus(u *model.StatusUpdate) {
	var fx effects

	r.s.mu.Lock()

	var e *entry
	if u.TempID != "" {
		e = r.s.byTemp[u.TempID]
	}
	if e == nil && u.ID != "" {
		e = r.s.byID[u.ID]
	}

	if e == nil {
		if u.Message == nil {
			r.s.mu.Unlock()
			r.log.Debug("status update for unknown message dropped",
				zap.String("temp_id", u.TempID),
				zap.String("id", u.ID),
			)

			return
		}

		msg := *u.Message
		if msg.TempID == "" {
			msg.TempID = u.TempID
		}
		if msg.ID == "" {
			msg.ID = u.ID
		}
		msg.Status = u.Status
		e = r.s.insert(msg)
		fx.changed = true
	}

	if u.ID != "" {
		e = r.adoptID(e, u.ID, &fx)
		if e == nil {
			r.s.mu.Unlock()
			return
		}
	}

	if u.Status != e.msg.Status {
		if e.msg.Status.CanTransition(u.Status) {
			e.msg.Status = u.Status
			fx.changed = true
		} else {
			r.log.Warn("illegal status transition dropped",
				zap.String("key", e.msg.Key()),
				zap.Stringer("from", e.msg.Status),
				zap.Stringer("to", u.Status),
			)
		}
	}

	if u.CreatedAt != nil {
		r.s.setCreatedAt(e, *u.CreatedAt)
		fx.changed = true
	}

	r.collectSaved(e, &fx)
	r.s.mu.Unlock()

	r.run(fx)
}

// UpsertRemote folds a server-pushed or history-synced message into the
// store. If the id or temp id matches an existing entry the event is an
// update, never a second insert; this is what collapses the sender's own
// optimistic message with its server echo, and a live push with the history
// page that repeats it.
func (r *Reconciler) UpsertRemote(msg *model.Message) {
	var fx effects

	r.s.mu.Lock()

	var e *entry
	if msg.ID != "" {
		e = r.s.byID[msg.ID]
	}
	if e == nil && msg.TempID != "" {
		e = r.s.byTemp[msg.TempID]
	}

	if e == nil {
		insert := *msg
		insert.Status = normalizeRemoteStatus(insert.Status, insert.ID)
		e = r.s.insert(insert)
		fx.changed = true
	} else {
		if msg.ID != "" {
			if e.msg.ID != "" && e.msg.ID != msg.ID {
				r.s.mu.Unlock()
				r.log.Warn("conflicting server id dropped",
					zap.String("have", e.msg.ID),
					zap.String("got", msg.ID),
				)

				return
			}

			e = r.adoptID(e, msg.ID, &fx)
			if e == nil {
				r.s.mu.Unlock()
				return
			}
		}

		if msg.Content != "" && msg.Content != e.msg.Content {
			e.msg.Content = msg.Content
			fx.changed = true
		}
		if msg.SenderID != "" {
			e.msg.SenderID = msg.SenderID
		}

		r.s.setCreatedAt(e, msg.CreatedAt)

		for userID, read := range msg.ReadBy {
			if read && !e.msg.ReadBy[userID] {
				if e.msg.ReadBy == nil {
					e.msg.ReadBy = make(map[string]bool)
				}
				e.msg.ReadBy[userID] = true
				fx.changed = true
			}
		}

		if msg.Reactions != nil {
			e.msg.Reactions = msg.Reactions
			fx.changed = true
		}
		if msg.Pinned != e.msg.Pinned {
			e.msg.Pinned = msg.Pinned
			fx.changed = true
		}

		status := normalizeRemoteStatus(msg.Status, msg.ID)
		if status != e.msg.Status && e.msg.Status.CanTransition(status) {
			e.msg.Status = status
			fx.changed = true
		}
	}

	r.collectSaved(e, &fx)
	r.s.mu.Unlock()

	r.run(fx)
}

// ApplyEdit rewrites the content of a persisted message. No-op when absent.
func (r *Reconciler) ApplyEdit(edit *model.MessageEdit) {
	var fx effects

	r.s.mu.Lock()

	e := r.s.byID[edit.ID]
	if e == nil {
		r.s.mu.Unlock()
		return
	}

	e.msg.Content = edit.Content
	e.msg.EditedAt = edit.EditedAt
	fx.changed = true
	r.collectSaved(e, &fx)
	r.s.mu.Unlock()

	r.run(fx)
}

// ApplyReadSingle sets one user's read flag on one message. No-op when the
// message is not present.
func (r *Reconciler) ApplyReadSingle(ev *model.ReadSingle) {
	r.applyRead(ev.UserID, []string{ev.MessageID})
}

// ApplyReadBulk sets one user's read flag across an id list. Ids not
// present locally are skipped silently.
func (r *Reconciler) ApplyReadBulk(ev *model.ReadBulk) {
	r.applyRead(ev.UserID, ev.MessageIDs)
}

func (r *Reconciler) applyRead(userID string, ids []string) {
	var fx effects

	r.s.mu.Lock()
	for _, id := range ids {
		e := r.s.lookup(id)
		if e == nil {
			continue
		}

		if !e.msg.ReadBy[userID] {
			if e.msg.ReadBy == nil {
				e.msg.ReadBy = make(map[string]bool)
			}
			e.msg.ReadBy[userID] = true
			fx.changed = true
			r.collectSaved(e, &fx)
		}
	}
	r.s.mu.Unlock()

	r.run(fx)
}

// ApplyReactions replaces the reaction set of one message without touching
// ordering or any other field.
func (r *Reconciler) ApplyReactions(ev *model.ReactionUpdate) {
	var fx effects

	r.s.mu.Lock()

	e := r.s.lookup(ev.MessageID)
	if e == nil {
		r.s.mu.Unlock()
		return
	}

	e.msg.Reactions = ev.Reactions
	fx.changed = true
	r.collectSaved(e, &fx)
	r.s.mu.Unlock()

	r.run(fx)
}

// ApplyPin sets the pinned flag of one message.
func (r *Reconciler) ApplyPin(ev *model.PinUpdate) {
	var fx effects

	r.s.mu.Lock()

	e := r.s.lookup(ev.MessageID)
	if e == nil || e.msg.Pinned == ev.Pinned {
		r.s.mu.Unlock()
		return
	}

	e.msg.Pinned = ev.Pinned
	fx.changed = true
	r.collectSaved(e, &fx)
	r.s.mu.Unlock()

	r.run(fx)
}

// Retry re-enters PENDING for a FAILED message, reusing the original temp
// id. Reusing the id is deliberate: if the first send did reach the server,
// the eventual echo still reconciles onto this same entry.
func (r *Reconciler) Retry(key string) error {
	r.s.mu.Lock()

	e := r.s.lookup(key)
	if e == nil {
		r.s.mu.Unlock()
		return ErrNotFound
	}
	if e.msg.Status != model.StatusFailed {
		r.s.mu.Unlock()
		return ErrNotFailed
	}

	e.msg.Status = model.StatusPending
	r.s.mu.Unlock()

	r.run(effects{changed: true})

	return nil
}

// MarkAllRead flags every message not sent by userID as read by userID and
// returns the server ids that were flipped, for the outbound bulk-read
// publish.
func (r *Reconciler) MarkAllRead(userID string) []string {
	var (
		flipped []string
		fx      effects
	)

	r.s.mu.Lock()
	for _, e := range r.s.entries {
		if e.msg.SenderID == userID || e.msg.ReadBy[userID] {
			continue
		}

		if e.msg.ReadBy == nil {
			e.msg.ReadBy = make(map[string]bool)
		}
		e.msg.ReadBy[userID] = true
		fx.changed = true
		r.collectSaved(e, &fx)

		if e.msg.ID != "" {
			flipped = append(flipped, e.msg.ID)
		}
	}
	r.s.mu.Unlock()

	r.run(fx)

	return flipped
}

// adoptID indexes e under a freshly confirmed server id. When another entry
// already holds that id the two are the same message seen twice (optimistic
// copy plus live push); they are merged into the id-bearing entry and the
// duplicate is removed. Returns the surviving entry. Lock held.
func (r *Reconciler) adoptID(e *entry, id string, fx *effects) *entry {
	if e.msg.ID == id {
		return e
	}
	if e.msg.ID != "" {
		r.log.Warn("server id change dropped",
			zap.String("have", e.msg.ID),
			zap.String("got", id),
		)

		return e
	}

	other, ok := r.s.byID[id]
	if !ok {
		r.s.assignID(e, id)
		return e
	}

	// Merge the optimistic copy into the confirmed one.
	if other.msg.TempID == "" && e.msg.TempID != "" {
		other.msg.TempID = e.msg.TempID
		r.s.byTemp[e.msg.TempID] = other
		e.msg.TempID = ""
	}
	for userID, read := range e.msg.ReadBy {
		if read {
			if other.msg.ReadBy == nil {
				other.msg.ReadBy = make(map[string]bool)
			}
			other.msg.ReadBy[userID] = true
		}
	}
	if other.msg.Content == "" {
		other.msg.Content = e.msg.Content
	}
	other.deliveryNotified = other.deliveryNotified || e.deliveryNotified

	r.s.remove(e)
	fx.changed = true

	return other
}

// collectSaved records the side effects of a SAVED message having changed:
// the cache write-through for every mutation, so the cache never holds
// stale content, and the delivered notice exactly once, for messages from
// other users still unread by us. Lock held.
func (r *Reconciler) collectSaved(e *entry, fx *effects) {
	if e.msg.Status != model.StatusSaved || !fx.changed {
		return
	}

	fx.persist = append(fx.persist, e.msg)

	if e.deliveryNotified {
		return
	}
	e.deliveryNotified = true

	if e.msg.SenderID != r.currentUserID && !e.msg.ReadBy[r.currentUserID] && e.msg.ID != "" {
		fx.notice = &model.DeliveredNotice{MessageID: e.msg.ID, UserID: r.currentUserID}
	}
}

// normalizeRemoteStatus maps an absent status on a server-pushed message to
// SAVED: the server only pushes persisted messages, and PENDING is reserved
// for local optimism.
func normalizeRemoteStatus(s model.Status, id string) model.Status {
	if s == model.StatusPending && id != "" {
		return model.StatusSaved
	}

	return s
}
