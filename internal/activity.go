package internal

import (
	"sync"
	"time"
)

// RoomActivity tracks when each room was last touched by a request. In a
// poll-based design there are no connections to count, so "active" means a
// participant read or wrote the room recently. The reaper consults this to
// keep freshly joined but still-empty rooms alive.
type RoomActivity struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewRoomActivity() *RoomActivity {
	return &RoomActivity{seen: make(map[string]time.Time), now: time.Now}
}

// Touch records that a room was just read or written.
func (a *RoomActivity) Touch(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[code] = a.now()
}

// ActiveWithin reports whether the room was touched inside the window.
func (a *RoomActivity) ActiveWithin(code string, window time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.seen[code]
	if !ok {
		return false
	}
	return a.now().Sub(last) <= window
}

// Forget drops the entry for a room, typically after the reaper removed it.
func (a *RoomActivity) Forget(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seen, code)
}
