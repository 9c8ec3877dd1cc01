package internal

import (
	"testing"
	"time"

	"wispchat/internal/storage"
)

func TestReaperForgetsPrunedRooms(t *testing.T) {
	store, err := storage.NewStore(storage.Options{
		Path:       "sqlite://file:" + t.Name() + "?mode=memory&cache=shared",
		MessageTTL: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	activity := NewRoomActivity()
	reaper, err := NewReaper(store, activity, NewMetrics(), NewLogger("error"), "0 * * * *")
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	if _, err := store.CreateRoom(t.Context(), "gone"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	activity.Touch("gone")
	if !activity.ActiveWithin("gone", time.Hour) {
		t.Fatal("expected an activity entry before the prune")
	}

	// let both the empty-room grace and the activity window lapse
	time.Sleep(60 * time.Millisecond)

	stats, err := reaper.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Rooms != 1 || len(stats.RoomCodes) != 1 || stats.RoomCodes[0] != "gone" {
		t.Fatalf("expected room to be pruned, got %d/%v", stats.Rooms, stats.RoomCodes)
	}
	if activity.ActiveWithin("gone", time.Hour) {
		t.Fatal("activity entry for a pruned room must be dropped")
	}
}
