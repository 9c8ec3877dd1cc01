package internal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMutationRejected means the server refused an edit, delete, or reaction
// change, usually because the caller does not own the message or it expired.
// The optimistic change has already been rolled back when this is returned.
var ErrMutationRejected = errors.New("mutation rejected by server")

// ErrRoomGone means the room disappeared mid-session, typically pruned.
var ErrRoomGone = errors.New("room no longer exists")

// SyncState is the lifecycle of a RoomSync.
type SyncState int

const (
	// StateCold is before the first fetch; the cache is empty.
	StateCold SyncState = iota
	// StateLoading is during the initial fetch.
	StateLoading
	// StateSynced means the cache tracks the server, modulo poll lag.
	StateSynced
	// StateStopped is terminal; Err explains why when it was not Stop.
	StateStopped
)

// SyncOptions tunes a RoomSync. Zero values use defaults.
type SyncOptions struct {
	PollInterval time.Duration
	// FullRefreshEvery forces a full fetch every Nth poll so edits, deletes,
	// reactions, and expiries by other participants are picked up;
	// incremental polls only see new ids.
	FullRefreshEvery int
	Retry            RetryPolicy
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	ReplyTo  *int64
	ImageRef string
	VideoRef string
	AudioRef string
}

// RoomSync keeps a local view of one room reconciled against the server.
// Reads come from a cache of confirmed messages plus optimistic entries for
// in-flight sends; every mutation is applied locally first, then confirmed
// or rolled back once the server answers.
type RoomSync struct {
	api      *ChatAPI
	room     string
	owner    string
	nickname string
	opts     SyncOptions

	mu        sync.Mutex
	state     SyncState
	stopCause error
	confirmed []MessageView
	pending   []MessageView
	nextTemp  int64
	gen       uint64
	paused    bool
	polls     int
	forceFull bool

	cancel  context.CancelFunc
	updates chan struct{}
}

func NewRoomSync(api *ChatAPI, room, owner, nickname string, opts SyncOptions) *RoomSync {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.FullRefreshEvery <= 0 {
		opts.FullRefreshEvery = 10
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &RoomSync{
		api:      api,
		room:     room,
		owner:    owner,
		nickname: nickname,
		opts:     opts,
		nextTemp: -1,
		updates:  make(chan struct{}, 1),
	}
}

// Updates signals that Snapshot changed. Signals coalesce; a reader that
// drains the channel and then snapshots sees every change.
func (rs *RoomSync) Updates() <-chan struct{} { return rs.updates }

// State returns the current lifecycle state.
func (rs *RoomSync) State() SyncState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// Err returns why the sync stopped, or nil.
func (rs *RoomSync) Err() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stopCause
}

// Snapshot returns the display order: confirmed messages by id, then
// optimistic entries in send order.
func (rs *RoomSync) Snapshot() []MessageView {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]MessageView, 0, len(rs.confirmed)+len(rs.pending))
	out = append(out, rs.confirmed...)
	out = append(out, rs.pending...)
	return out
}

// Start performs the initial fetch and launches the poll loop. It blocks
// until the cache is warm or the fetch permanently fails.
func (rs *RoomSync) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.state != StateCold {
		rs.mu.Unlock()
		return errors.New("sync already started")
	}
	rs.state = StateLoading
	rs.mu.Unlock()

	var msgs []MessageView
	err := rs.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		msgs, fetchErr = rs.api.Messages(ctx, rs.room)
		return fetchErr
	})
	if err != nil {
		rs.stop(rs.classifyStop(err))
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	rs.mu.Lock()
	rs.confirmed = msgs
	rs.state = StateSynced
	rs.cancel = cancel
	rs.mu.Unlock()
	rs.notify()

	go rs.pollLoop(pollCtx)
	return nil
}

// Stop halts polling. The cache stays readable.
func (rs *RoomSync) Stop() { rs.stop(nil) }

func (rs *RoomSync) stop(cause error) {
	rs.mu.Lock()
	if rs.state == StateStopped {
		rs.mu.Unlock()
		return
	}
	rs.state = StateStopped
	rs.stopCause = cause
	cancel := rs.cancel
	rs.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	rs.notify()
}

func (rs *RoomSync) classifyStop(err error) error {
	if IsRoomNotFound(err) {
		return ErrRoomGone
	}
	return err
}

// Pause suspends polling without dropping the cache.
func (rs *RoomSync) Pause() {
	rs.mu.Lock()
	rs.paused = true
	rs.mu.Unlock()
}

// Resume reenables polling and forces a full refresh on the next tick, since
// edits, deletes, and reaction changes made while paused are invisible to
// incremental fetches.
func (rs *RoomSync) Resume() {
	rs.mu.Lock()
	rs.paused = false
	rs.forceFull = true
	rs.mu.Unlock()
}

// nextPoll decides what the upcoming tick should do. It consumes any pending
// forced full refresh.
func (rs *RoomSync) nextPoll() (paused, full bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.paused {
		return true, false
	}
	rs.polls++
	full = rs.forceFull || rs.polls%rs.opts.FullRefreshEvery == 0
	rs.forceFull = false
	return false, full
}

func (rs *RoomSync) pollLoop(ctx context.Context) {
	failures := 0
	for {
		wait := rs.opts.PollInterval
		if failures > 0 {
			// consecutive transient failures stretch the interval with the
			// same capped, jittered backoff the mutation path uses
			wait += rs.opts.Retry.delay(failures)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		paused, full := rs.nextPoll()
		if paused {
			continue
		}
		if err := rs.pollOnce(ctx, full); err != nil {
			if IsRoomNotFound(err) {
				rs.stop(ErrRoomGone)
				return
			}
			// transient failure: keep the cache and retry later
			failures++
			continue
		}
		failures = 0
	}
}

// pollOnce fetches either the tail after the newest confirmed id or, on a
// full refresh, the whole room, and merges the result.
func (rs *RoomSync) pollOnce(ctx context.Context, full bool) error {
	rs.mu.Lock()
	after := int64(0)
	if !full && len(rs.confirmed) > 0 {
		after = rs.confirmed[len(rs.confirmed)-1].ID
	}
	genBefore := rs.gen
	rs.mu.Unlock()

	msgs, err := rs.api.MessagesAfter(ctx, rs.room, after)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state != StateSynced {
		return nil
	}
	if full {
		// a mutation confirmed while this fetch was in flight wins over the
		// stale snapshot
		if rs.gen != genBefore {
			return nil
		}
		rs.confirmed = msgs
	} else {
		rs.appendConfirmedLocked(msgs)
	}
	rs.dropShadowedPendingLocked()
	rs.notifyLocked()
	return nil
}

// appendConfirmedLocked merges newly fetched messages, skipping ids already
// present.
func (rs *RoomSync) appendConfirmedLocked(msgs []MessageView) {
	have := make(map[int64]bool, len(rs.confirmed))
	for _, m := range rs.confirmed {
		have[m.ID] = true
	}
	for _, m := range msgs {
		if !have[m.ID] {
			rs.confirmed = append(rs.confirmed, m)
		}
	}
	sort.Slice(rs.confirmed, func(i, j int) bool { return rs.confirmed[i].ID < rs.confirmed[j].ID })
}

// dropShadowedPendingLocked removes optimistic entries whose nonce already
// arrived via a poll, so a send confirmed through both paths shows once.
func (rs *RoomSync) dropShadowedPendingLocked() {
	if len(rs.pending) == 0 {
		return
	}
	confirmedNonces := make(map[string]bool)
	for _, m := range rs.confirmed {
		if m.Nonce != "" {
			confirmedNonces[m.Nonce] = true
		}
	}
	kept := rs.pending[:0]
	for _, p := range rs.pending {
		if !confirmedNonces[p.Nonce] {
			kept = append(kept, p)
		}
	}
	rs.pending = kept
}

// Send appends optimistically and then confirms against the server. The
// optimistic entry is visible in Snapshot immediately; on success it is
// promoted to its confirmed id, on permanent failure it is removed and the
// error returned.
func (rs *RoomSync) Send(ctx context.Context, content string, opts SendOptions) (int64, error) {
	nonce := uuid.NewString()

	rs.mu.Lock()
	if rs.state != StateSynced {
		rs.mu.Unlock()
		return 0, errors.New("room not synced")
	}
	tempID := rs.nextTemp
	rs.nextTemp--
	entry := MessageView{
		ID:       tempID,
		Room:     rs.room,
		Content:  content,
		Nickname: rs.nickname,
		Owner:    rs.owner,
		Ts:       time.Now().UnixMilli(),
		ReplyTo:  opts.ReplyTo,
		ImageURL: blobURL(opts.ImageRef),
		VideoURL: blobURL(opts.VideoRef),
		AudioURL: blobURL(opts.AudioRef),
		Nonce:    nonce,
	}
	rs.pending = append(rs.pending, entry)
	rs.mu.Unlock()
	rs.notify()

	req := sendRequest{
		Content:  content,
		Nickname: rs.nickname,
		Owner:    rs.owner,
		ReplyTo:  opts.ReplyTo,
		ImageRef: opts.ImageRef,
		VideoRef: opts.VideoRef,
		AudioRef: opts.AudioRef,
		Nonce:    nonce,
	}
	var ack sendResponse
	err := rs.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		ack, sendErr = rs.api.SendMessage(ctx, rs.room, req)
		return sendErr
	})

	rs.mu.Lock()
	rs.removePendingLocked(tempID)
	if err != nil {
		rs.mu.Unlock()
		rs.notify()
		if IsRoomNotFound(err) {
			rs.stop(ErrRoomGone)
			return 0, ErrRoomGone
		}
		return 0, err
	}
	confirmed := entry
	confirmed.ID = ack.ID
	if ack.Ts != 0 {
		confirmed.Ts = ack.Ts
	}
	rs.insertConfirmedLocked(confirmed)
	rs.gen++
	rs.mu.Unlock()
	rs.notify()
	return ack.ID, nil
}

func (rs *RoomSync) removePendingLocked(tempID int64) {
	kept := rs.pending[:0]
	for _, p := range rs.pending {
		if p.ID != tempID {
			kept = append(kept, p)
		}
	}
	rs.pending = kept
}

func (rs *RoomSync) insertConfirmedLocked(m MessageView) {
	for _, c := range rs.confirmed {
		if c.ID == m.ID {
			return
		}
	}
	rs.confirmed = append(rs.confirmed, m)
	sort.Slice(rs.confirmed, func(i, j int) bool { return rs.confirmed[i].ID < rs.confirmed[j].ID })
}

// Edit rewrites one of the caller's own messages. The change shows locally
// at once and is rolled back if the server rejects it.
func (rs *RoomSync) Edit(ctx context.Context, id int64, content string) error {
	rs.mu.Lock()
	idx, prior, ok := rs.findConfirmedLocked(id)
	if !ok {
		rs.mu.Unlock()
		return errors.New("unknown message id")
	}
	rs.confirmed[idx].Content = content
	rs.confirmed[idx].IsEdited = true
	rs.mu.Unlock()
	rs.notify()

	applied := false
	err := rs.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var editErr error
		applied, editErr = rs.api.EditMessage(ctx, rs.room, id, editRequest{Owner: rs.owner, Content: content})
		return editErr
	})
	return rs.settleMutation(id, prior, applied, err)
}

// Delete removes one of the caller's own messages.
func (rs *RoomSync) Delete(ctx context.Context, id int64) error {
	rs.mu.Lock()
	idx, prior, ok := rs.findConfirmedLocked(id)
	if !ok {
		rs.mu.Unlock()
		return errors.New("unknown message id")
	}
	rs.confirmed = append(rs.confirmed[:idx], rs.confirmed[idx+1:]...)
	rs.mu.Unlock()
	rs.notify()

	applied := false
	err := rs.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var delErr error
		applied, delErr = rs.api.DeleteMessage(ctx, rs.room, id, rs.owner)
		return delErr
	})
	return rs.settleMutation(id, prior, applied, err)
}

// React adds the caller's emoji to a message.
func (rs *RoomSync) React(ctx context.Context, id int64, emoji string) error {
	return rs.mutateReaction(ctx, id, emoji, true)
}

// Unreact removes the caller's emoji from a message.
func (rs *RoomSync) Unreact(ctx context.Context, id int64, emoji string) error {
	return rs.mutateReaction(ctx, id, emoji, false)
}

func (rs *RoomSync) mutateReaction(ctx context.Context, id int64, emoji string, add bool) error {
	rs.mu.Lock()
	idx, prior, ok := rs.findConfirmedLocked(id)
	if !ok {
		rs.mu.Unlock()
		return errors.New("unknown message id")
	}
	if add {
		rs.confirmed[idx].Reactions = addReaction(rs.confirmed[idx].Reactions, rs.owner, emoji)
	} else {
		rs.confirmed[idx].Reactions = removeReaction(rs.confirmed[idx].Reactions, rs.owner, emoji)
	}
	rs.mu.Unlock()
	rs.notify()

	applied := false
	op := rs.api.AddReaction
	if !add {
		op = rs.api.RemoveReaction
	}
	err := rs.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var reactErr error
		applied, reactErr = op(ctx, rs.room, id, rs.owner, emoji)
		return reactErr
	})
	if err != nil || !applied {
		// applied=false on a reaction usually means the message expired; the
		// next full refresh will reconcile, but roll back now for honesty
		return rs.settleMutation(id, prior, applied, err)
	}
	rs.mu.Lock()
	rs.gen++
	rs.mu.Unlock()
	return nil
}

// settleMutation finishes an optimistic mutation: on success it bumps the
// generation so stale polls cannot undo it, otherwise it restores the prior
// entry and reports what went wrong.
func (rs *RoomSync) settleMutation(id int64, prior MessageView, applied bool, err error) error {
	if err == nil && applied {
		rs.mu.Lock()
		rs.gen++
		rs.mu.Unlock()
		return nil
	}

	rs.mu.Lock()
	rs.restoreConfirmedLocked(id, prior)
	rs.mu.Unlock()
	rs.notify()

	if err != nil {
		if IsRoomNotFound(err) {
			rs.stop(ErrRoomGone)
			return ErrRoomGone
		}
		return err
	}
	return ErrMutationRejected
}

func (rs *RoomSync) findConfirmedLocked(id int64) (int, MessageView, bool) {
	for i, m := range rs.confirmed {
		if m.ID == id {
			return i, m, true
		}
	}
	return 0, MessageView{}, false
}

func (rs *RoomSync) restoreConfirmedLocked(id int64, prior MessageView) {
	for i, m := range rs.confirmed {
		if m.ID == id {
			rs.confirmed[i] = prior
			return
		}
	}
	// the entry was deleted optimistically; put it back in order
	rs.confirmed = append(rs.confirmed, prior)
	sort.Slice(rs.confirmed, func(i, j int) bool { return rs.confirmed[i].ID < rs.confirmed[j].ID })
}

// JumpToReply makes sure the referenced message is in the cache, forcing a
// full refresh if needed, and reports whether it exists. A false return
// means the referenced message expired.
func (rs *RoomSync) JumpToReply(ctx context.Context, id int64) (bool, error) {
	rs.mu.Lock()
	_, _, ok := rs.findConfirmedLocked(id)
	rs.mu.Unlock()
	if ok {
		return true, nil
	}
	if err := rs.pollOnce(ctx, true); err != nil {
		return false, err
	}
	rs.mu.Lock()
	_, _, ok = rs.findConfirmedLocked(id)
	rs.mu.Unlock()
	return ok, nil
}

func (rs *RoomSync) notify() {
	select {
	case rs.updates <- struct{}{}:
	default:
	}
}

func (rs *RoomSync) notifyLocked() {
	// the channel send never blocks, holding the lock is fine
	rs.notify()
}

func addReaction(reactions []ReactionView, userID, emoji string) []ReactionView {
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return reactions
		}
	}
	return append(reactions, ReactionView{UserID: userID, Emoji: emoji})
}

func removeReaction(reactions []ReactionView, userID, emoji string) []ReactionView {
	// rollback snapshots alias the old slice, so filter into a fresh one
	kept := make([]ReactionView, 0, len(reactions))
	for _, r := range reactions {
		if !(r.UserID == userID && r.Emoji == emoji) {
			kept = append(kept, r)
		}
	}
	return kept
}
