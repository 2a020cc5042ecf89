package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeTTL is how long a notice stays visible unless dismissed.
const NoticeTTL = 5 * time.Second

type Notice struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Notices is a best-effort list of transient alerts. Expired entries are
// pruned lazily on read.
type Notices struct {
	mu    sync.Mutex
	items []Notice
	ttl   time.Duration
	nowFn func() time.Time
}

func NewNotices() *Notices {
	return &Notices{ttl: NoticeTTL, nowFn: time.Now}
}

func (n *Notices) Raise(text string) Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	notice := Notice{ID: uuid.New().String(), Text: text, ExpiresAt: n.nowFn().Add(n.ttl)}
	n.items = append(n.items, notice)
	return notice
}

// Dismiss removes a notice before it expires. Unknown ids are ignored.
func (n *Notices) Dismiss(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, item := range n.items {
		if item.ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return
		}
	}
}

// Active returns the notices that have not expired, oldest first.
func (n *Notices) Active() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.nowFn()
	kept := n.items[:0]
	for _, item := range n.items {
		if now.Before(item.ExpiresAt) {
			kept = append(kept, item)
		}
	}
	n.items = kept
	return append([]Notice(nil), kept...)
}
