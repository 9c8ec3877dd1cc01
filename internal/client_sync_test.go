package internal

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

// newSyncFixture spins up a real server with one room and returns an API
// client pointed at it. Polling is effectively disabled so tests drive
// reconciliation explicitly through pollOnce.
func newSyncFixture(t *testing.T) *ChatAPI {
	t.Helper()
	_, ts := newTestServer(t)
	api := NewChatAPI(ts.URL)
	if err := api.CreateRoom(t.Context(), "lobby"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return api
}

func newStartedSync(t *testing.T, api *ChatAPI, owner, nick string) *RoomSync {
	t.Helper()
	sync := NewRoomSync(api, "lobby", owner, nick, SyncOptions{PollInterval: time.Hour})
	if err := sync.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sync.Stop)
	return sync
}

func TestRoomSyncColdStart(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()
	if _, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "pre-existing", Nickname: "bo", Owner: "u2"}); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	sync := newStartedSync(t, api, "u1", "al")
	if sync.State() != StateSynced {
		t.Fatalf("expected StateSynced, got %v", sync.State())
	}
	snap := sync.Snapshot()
	if len(snap) != 1 || snap[0].Content != "pre-existing" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRoomSyncColdStartRoomGone(t *testing.T) {
	api := newSyncFixture(t)
	sync := NewRoomSync(api, "nowhere", "u1", "al", SyncOptions{PollInterval: time.Hour})
	err := sync.Start(t.Context())
	if err == nil {
		t.Fatal("expected start against a missing room to fail")
	}
	if sync.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", sync.State())
	}
	if !errors.Is(sync.Err(), ErrRoomGone) {
		t.Fatalf("expected ErrRoomGone cause, got %v", sync.Err())
	}
}

func TestRoomSyncSendConfirms(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")

	id, err := sync.Send(t.Context(), "hello", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected a server id, got %d", id)
	}
	snap := sync.Snapshot()
	if len(snap) != 1 || snap[0].ID != id || snap[0].Content != "hello" {
		t.Fatalf("unexpected snapshot after send: %+v", snap)
	}

	// the confirmed entry carries the server's timestamp, not the local one
	stored, err := api.Messages(t.Context(), "lobby")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if snap[0].Ts != stored[0].Ts {
		t.Fatalf("confirmed entry has ts %d, server stored %d", snap[0].Ts, stored[0].Ts)
	}

	// a later full refresh must not duplicate the confirmed send
	if err := sync.pollOnce(t.Context(), true); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if snap = sync.Snapshot(); len(snap) != 1 {
		t.Fatalf("expected 1 message after refresh, got %d", len(snap))
	}
}

func TestRoomSyncSendRollback(t *testing.T) {
	api := newSyncFixture(t)
	// blank nickname is rejected server-side with a permanent error
	sync := newStartedSync(t, api, "u1", "   ")

	if _, err := sync.Send(t.Context(), "doomed", SendOptions{}); err == nil {
		t.Fatal("expected send with invalid nickname to fail")
	}
	if snap := sync.Snapshot(); len(snap) != 0 {
		t.Fatalf("optimistic entry must be rolled back, got %+v", snap)
	}
	// the sync itself survives a validation failure
	if sync.State() != StateSynced {
		t.Fatalf("expected StateSynced after rollback, got %v", sync.State())
	}
}

func TestRoomSyncPollMergesRemote(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")

	ctx := t.Context()
	remote, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "from elsewhere", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("remote send: %v", err)
	}
	if err := sync.pollOnce(ctx, false); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	snap := sync.Snapshot()
	if len(snap) != 1 || snap[0].ID != remote.ID {
		t.Fatalf("expected the remote message, got %+v", snap)
	}

	select {
	case <-sync.Updates():
	default:
		t.Fatal("expected an update signal after the poll merged new messages")
	}
}

func TestRoomSyncResumeForcesFullRefresh(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()
	sent, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "v1", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}

	sync := newStartedSync(t, api, "u1", "al")
	sync.Pause()
	if paused, _ := sync.nextPoll(); !paused {
		t.Fatal("ticks while paused must be skipped")
	}

	// the cached message changes server-side while the view is hidden;
	// only a full refresh can pick that up
	applied, err := api.EditMessage(ctx, "lobby", sent.ID, editRequest{Owner: "u2", Content: "v2"})
	if err != nil || !applied {
		t.Fatalf("EditMessage: applied=%v err=%v", applied, err)
	}

	sync.Resume()
	paused, full := sync.nextPoll()
	if paused || !full {
		t.Fatalf("first tick after Resume must be a full refresh, got paused=%v full=%v", paused, full)
	}
	if err := sync.pollOnce(ctx, full); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	snap := sync.Snapshot()
	if len(snap) != 1 || snap[0].Content != "v2" || !snap[0].IsEdited {
		t.Fatalf("edit made while paused did not reconcile after resume: %+v", snap)
	}

	// the forced refresh is consumed; the following tick is incremental again
	if _, full := sync.nextPoll(); full {
		t.Fatal("full refresh after Resume must apply to one tick only")
	}
}

func TestRoomSyncEditRollback(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()
	foreign, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "not yours", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	foreignID := foreign.ID

	sync := newStartedSync(t, api, "u1", "al")
	err = sync.Edit(ctx, foreignID, "hijacked")
	if !errors.Is(err, ErrMutationRejected) {
		t.Fatalf("expected ErrMutationRejected, got %v", err)
	}
	snap := sync.Snapshot()
	if len(snap) != 1 || snap[0].Content != "not yours" || snap[0].IsEdited {
		t.Fatalf("edit must be rolled back, got %+v", snap)
	}
}

func TestRoomSyncDeleteRollback(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()
	foreign, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "persistent", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	foreignID := foreign.ID

	sync := newStartedSync(t, api, "u1", "al")
	if err := sync.Delete(ctx, foreignID); !errors.Is(err, ErrMutationRejected) {
		t.Fatalf("expected ErrMutationRejected, got %v", err)
	}
	if snap := sync.Snapshot(); len(snap) != 1 {
		t.Fatalf("deleted entry must be restored, got %+v", snap)
	}
}

func TestRoomSyncOwnEditApplies(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")
	ctx := t.Context()

	id, err := sync.Send(ctx, "draft", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sync.Edit(ctx, id, "final"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	snap := sync.Snapshot()
	if snap[0].Content != "final" || !snap[0].IsEdited {
		t.Fatalf("expected edited content, got %+v", snap[0])
	}

	// the server agrees after a refresh
	if err := sync.pollOnce(ctx, true); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	snap = sync.Snapshot()
	if snap[0].Content != "final" || !snap[0].IsEdited {
		t.Fatalf("refresh lost the edit: %+v", snap[0])
	}
}

func TestRoomSyncReactions(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()
	sent, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "react", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	id := sent.ID

	sync := newStartedSync(t, api, "u1", "al")
	if err := sync.React(ctx, id, "❤️"); err != nil {
		t.Fatalf("React: %v", err)
	}
	snap := sync.Snapshot()
	if len(snap[0].Reactions) != 1 || snap[0].Reactions[0].UserID != "u1" {
		t.Fatalf("expected local reaction, got %+v", snap[0].Reactions)
	}

	if err := sync.Unreact(ctx, id, "❤️"); err != nil {
		t.Fatalf("Unreact: %v", err)
	}
	if snap = sync.Snapshot(); len(snap[0].Reactions) != 0 {
		t.Fatalf("expected reaction removed, got %+v", snap[0].Reactions)
	}
}

func TestRoomSyncJumpToReply(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")
	ctx := t.Context()

	// a message that arrives only server-side until a refresh
	sent, err := api.SendMessage(ctx, "lobby", sendRequest{Content: "target", Nickname: "bo", Owner: "u2"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	id := sent.ID

	found, err := sync.JumpToReply(ctx, id)
	if err != nil {
		t.Fatalf("JumpToReply: %v", err)
	}
	if !found {
		t.Fatal("expected jump to find the message after a refresh")
	}

	found, err = sync.JumpToReply(ctx, id+500)
	if err != nil {
		t.Fatalf("JumpToReply missing: %v", err)
	}
	if found {
		t.Fatal("expected jump to a never-existing id to report not found")
	}
}

func TestRoomSyncMutationSupersedesStalePoll(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")
	ctx := t.Context()

	id, err := sync.Send(ctx, "v1", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// simulate a full refresh whose response predates a local edit: the
	// fetch happened at generation g, then the edit bumped the generation
	sync.mu.Lock()
	genBefore := sync.gen
	sync.mu.Unlock()

	stale, err := api.Messages(ctx, "lobby")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if err := sync.Edit(ctx, id, "v2"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	// merge the stale snapshot the way pollOnce does: only when the
	// generation is unchanged
	sync.mu.Lock()
	if sync.gen == genBefore {
		sync.confirmed = stale
	}
	sync.mu.Unlock()

	snap := sync.Snapshot()
	if snap[0].Content != "v2" {
		t.Fatalf("stale poll overwrote a confirmed edit: %+v", snap[0])
	}
}

func TestRoomSyncStopsWhenRoomPruned(t *testing.T) {
	api := newSyncFixture(t)
	sync := newStartedSync(t, api, "u1", "al")
	ctx := t.Context()

	// the poll path maps a vanished room onto ErrRoomGone
	gone := NewRoomSync(api, "nowhere", "u1", "al", SyncOptions{PollInterval: time.Hour})
	gone.state = StateSynced
	err := gone.pollOnce(ctx, true)
	if !IsRoomNotFound(err) {
		t.Fatalf("expected room-not-found from poll, got %v", err)
	}

	// sends into a vanished room stop the sync permanently
	sync.room = "nowhere"
	if _, err := sync.Send(ctx, "into the void", SendOptions{}); !errors.Is(err, ErrRoomGone) {
		t.Fatalf("expected ErrRoomGone, got %v", err)
	}
	if sync.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", sync.State())
	}
}

func TestAPIErrorClassification(t *testing.T) {
	api := newSyncFixture(t)
	ctx := t.Context()

	_, err := api.SendMessage(ctx, "nowhere", sendRequest{Content: "x", Nickname: "al", Owner: "u1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRoomNotFound {
		t.Fatalf("expected KindRoomNotFound, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("room-not-found must not be retried")
	}

	_, err = api.SendMessage(ctx, "lobby", sendRequest{Content: "x", Nickname: "  ", Owner: "u1"})
	if !errors.As(err, &apiErr) || apiErr.Kind != KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}

	// a dead endpoint yields a transient transport error
	deadAPI := NewChatAPI("http://127.0.0.1:1")
	_, derr := deadAPI.Messages(ctx, "lobby")
	if derr == nil || !IsTransient(derr) {
		t.Fatalf("expected transient transport error, got %v", derr)
	}
}

func TestAPIErrorKindFromStatus(t *testing.T) {
	cases := []struct {
		kind   string
		status int
		want   ErrorKind
	}{
		{kindConflict, http.StatusConflict, KindConflict},
		{"", http.StatusNotFound, KindNotFound},
		{"", http.StatusUnauthorized, KindAuth},
		{"", http.StatusBadRequest, KindValidation},
		{"", http.StatusBadGateway, KindTransient},
		{kindRoomNotFound, http.StatusNotFound, KindRoomNotFound},
	}
	for _, tc := range cases {
		if got := kindFromWire(tc.kind, tc.status); got != tc.want {
			t.Errorf("kindFromWire(%q, %d) = %v, want %v", tc.kind, tc.status, got, tc.want)
		}
	}
}
