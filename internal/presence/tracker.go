// Package presence derives the set of collaborators currently viewing the
// same spreadsheet from replication channel events. Nothing is persisted:
// the roster is cleared on disconnect and rebuilt from the server's
// authoritative online_users event on reconnect.
package presence

import (
	"sort"
	"sync"

	"github.com/Michael-24-wall/gridsync/internal/wire"
)

type Entry struct {
	UserID   string
	Username string
}

type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewTracker() *Tracker {
	return &Tracker{entries: map[string]Entry{}}
}

// Join adds or replaces an entry; idempotent on user id.
func (t *Tracker) Join(userID, username string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = Entry{UserID: userID, Username: username}
}

func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// Replace swaps the whole roster for the server's authoritative list,
// discarding anything that drifted while disconnected.
func (t *Tracker) Replace(users []wire.User) {
	next := make(map[string]Entry, len(users))
	for _, user := range users {
		if user.ID == "" {
			continue
		}
		next[user.ID] = Entry{UserID: user.ID, Username: user.Username}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = next
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = map[string]Entry{}
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// List returns the roster sorted by user id.
func (t *Tracker) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Apply dispatches a presence-relevant event; the bool reports whether the
// event was consumed.
func (t *Tracker) Apply(ev wire.Event) bool {
	switch typed := ev.(type) {
	case wire.UserJoined:
		t.Join(typed.UserID, typed.Username)
		return true
	case wire.UserLeft:
		t.Leave(typed.UserID)
		return true
	case wire.OnlineUsers:
		t.Replace(typed.Users)
		return true
	default:
		return false
	}
}
