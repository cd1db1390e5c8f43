package conversation

// History is the ordered conversation owned by one loop. It is append-only
// within a turn and replaced wholesale between turns by a pruned copy.
//
// History is not safe for concurrent use; the owning loop serializes access.
type History struct {
	messages []Message
	nextSeq  int64
}

// NewHistory returns an empty history. The first appended message gets Seq 1.
func NewHistory() *History {
	return &History{nextSeq: 1}
}

// FromMessages builds a history around existing messages, keeping their
// sequence indices. Messages with Seq <= 0 are numbered after the largest
// index seen so far.
func FromMessages(msgs []Message) *History {
	h := NewHistory()
	for _, m := range msgs {
		if m.Seq > 0 {
			h.messages = append(h.messages, m.Clone())
			if m.Seq >= h.nextSeq {
				h.nextSeq = m.Seq + 1
			}
			continue
		}
		h.Append(m)
	}
	return h
}

// Append stores a copy of m with the next sequence index and returns it.
func (h *History) Append(m Message) Message {
	stored := m.Clone()
	stored.Seq = h.nextSeq
	h.nextSeq++
	h.messages = append(h.messages, stored)
	return stored.Clone()
}

// Messages returns a deep copy of the stored messages.
func (h *History) Messages() []Message {
	return CloneMessages(h.messages)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	return len(h.messages)
}

// Replace swaps in a pruned copy. The sequence counter never moves backwards,
// so indices assigned after a replace are still unique.
func (h *History) Replace(msgs []Message) {
	h.messages = CloneMessages(msgs)
	for _, m := range h.messages {
		if m.Seq >= h.nextSeq {
			h.nextSeq = m.Seq + 1
		}
	}
}

// Clear drops every message. Sequence numbering continues where it left off.
func (h *History) Clear() {
	h.messages = nil
}

// CloneMessages deep-copies a message slice. A nil input yields nil.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
