// Package transcript merges streaming transcript fragments into an ordered
// list of per-speaker utterances.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Item is one utterance. Only the newest item of a role can be partial.
type Item struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	IsPartial bool      `json:"is_partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Reconciler owns the transcript list and the running text of each
// speaker's open utterance. It is not safe for concurrent use; the session
// engine serializes access.
type Reconciler struct {
	items   []Item
	running map[Role]string
	now     func() time.Time
	newID   func() string
}

// NewReconciler creates an empty transcript.
func NewReconciler() *Reconciler {
	return &Reconciler{
		running: make(map[Role]string),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Accumulate appends delta to the role's running text without publishing
// it. Use Reveal to publish later.
func (r *Reconciler) Accumulate(role Role, delta string) {
	r.running[role] += delta
}

// Reveal publishes the role's running text as a partial item. It reports
// whether the list changed.
func (r *Reconciler) Reveal(role Role) bool {
	text := r.running[role]
	if text == "" {
		return false
	}
	return r.update(role, text, true)
}

// Append accumulates delta and publishes it immediately.
func (r *Reconciler) Append(role Role, delta string) bool {
	r.Accumulate(role, delta)
	return r.Reveal(role)
}

// Finalize closes the role's open utterance and resets its running text.
// It reports whether the list changed.
func (r *Reconciler) Finalize(role Role) bool {
	text := r.running[role]
	if text == "" {
		return false
	}
	delete(r.running, role)
	return r.update(role, text, false)
}

// FinalizeAll closes the model's utterance, then the user's.
func (r *Reconciler) FinalizeAll() bool {
	model := r.Finalize(RoleModel)
	user := r.Finalize(RoleUser)
	return model || user
}

// Pending returns the role's running text.
func (r *Reconciler) Pending(role Role) string {
	return r.running[role]
}

// Discard drops running text without touching the list.
func (r *Reconciler) Discard() {
	clear(r.running)
}

// Clear empties the list and running text.
func (r *Reconciler) Clear() {
	r.items = nil
	r.Discard()
}

// Items returns a copy of the list.
func (r *Reconciler) Items() []Item {
	return append([]Item(nil), r.items...)
}

// Len returns the number of items.
func (r *Reconciler) Len() int {
	return len(r.items)
}

// update applies one text update for role:
//   - the last item is an open utterance of role: rewrite it in place
//     unless nothing changed;
//   - the last item is a final utterance of role with identical text and
//     the update is final: ignore the duplicate;
//   - a final update with only whitespace: ignore;
//   - otherwise append a new item.
func (r *Reconciler) update(role Role, text string, partial bool) bool {
	if n := len(r.items); n > 0 {
		last := &r.items[n-1]
		if last.Role == role && last.IsPartial {
			if last.Text == text && last.IsPartial == partial {
				return false
			}
			last.Text = text
			last.IsPartial = partial
			return true
		}
		if last.Role == role && !last.IsPartial && !partial && last.Text == text {
			return false
		}
	}

	if !partial && strings.TrimSpace(text) == "" {
		return false
	}

	r.items = append(r.items, Item{
		ID:        r.newID(),
		Role:      role,
		Text:      text,
		IsPartial: partial,
		Timestamp: r.now(),
	})
	return true
}
