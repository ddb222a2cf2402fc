package reconcile

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"agentchat/internal/models"
)

// Entry is one rendered line of a conversation. Pending entries are local
// echoes of messages the server has not listed yet.
type Entry struct {
	ID        string
	LocalID   string
	Role      models.Role
	Content   models.Content
	CreatedAt time.Time
	Pending   bool
	// Err is set when the post itself failed; the entry is never confirmed.
	Err string
}

// Timeline merges optimistic local entries with the authoritative listing.
// Confirmed entries are keyed by server id and kept in ascending
// (created_at, id) order; pending entries follow them in send order.
type Timeline struct {
	mu        sync.Mutex
	confirmed map[string]Entry
	order     []string
	pending   []*Entry
	seq       int
}

func NewTimeline() *Timeline {
	return &Timeline{confirmed: make(map[string]Entry)}
}

// AddPending records a message the user just sent and returns its local id.
func (t *Timeline) AddPending(text string, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	localID := "local-" + strconv.Itoa(t.seq)
	t.pending = append(t.pending, &Entry{
		LocalID:   localID,
		Role:      models.RoleUser,
		Content:   models.TextContent(text),
		CreatedAt: now,
		Pending:   true,
	})
	return localID
}

// Anchor binds a pending entry to the server message id from the receipt.
// If the server already listed that message the entry is dropped at once.
func (t *Timeline) Anchor(localID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.pending {
		if e.LocalID != localID {
			continue
		}
		if _, ok := t.confirmed[messageID]; ok {
			t.pending = slices.Delete(t.pending, i, i+1)
			return
		}
		e.ID = messageID
		return
	}
}

// Fail marks a pending entry whose post was rejected.
func (t *Timeline) Fail(localID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.pending {
		if e.LocalID == localID {
			e.Err = err.Error()
			return
		}
	}
}

// Merge folds a server listing into the timeline. Server entries replace
// local ones with the same id, confirmed pending entries are dropped and
// nothing is ever duplicated. Merging the same listing again is a no-op. It
// reports whether the rendered timeline changed.
func (t *Timeline) Merge(msgs []models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, msg := range msgs {
		next := Entry{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		prev, seen := t.confirmed[msg.ID]
		if seen && sameEntry(prev, next) {
			continue
		}
		t.confirmed[msg.ID] = next
		if !seen {
			t.order = append(t.order, msg.ID)
		}
		changed = true
	}
	if changed {
		slices.SortFunc(t.order, func(a, b string) int {
			return compareEntries(t.confirmed[a], t.confirmed[b])
		})
	}
	kept := t.pending[:0]
	for _, e := range t.pending {
		if _, ok := t.confirmed[e.ID]; e.ID != "" && ok {
			changed = true
			continue
		}
		kept = append(kept, e)
	}
	t.pending = kept
	return changed
}

// Entries returns a snapshot in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.order)+len(t.pending))
	for _, id := range t.order {
		out = append(out, t.confirmed[id])
	}
	for _, e := range t.pending {
		out = append(out, *e)
	}
	return out
}

// LastID is the newest confirmed message id, the cursor for the next poll.
func (t *Timeline) LastID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return ""
	}
	return t.order[len(t.order)-1]
}

// PendingCount reports how many sent messages are not confirmed yet.
func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.pending {
		if e.Err == "" {
			n++
		}
	}
	return n
}

func compareEntries(a, b Entry) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func sameEntry(a, b Entry) bool {
	return a.Role == b.Role &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Content.Type == b.Content.Type &&
		a.Content.Text == b.Content.Text &&
		a.Content.MediaID == b.Content.MediaID &&
		a.Content.Caption == b.Content.Caption
}
