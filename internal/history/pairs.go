package history

import (
	"fmt"
	"sort"

	"github.com/codefionn/turnloop/internal/conversation"
)

// Repair makes candidate satisfy the pairing contract, using original as the
// source for results that pruning dropped. candidate must be a subsequence of
// original (matched by Seq), possibly with summarized content.
//
// Two passes run in order:
//   - completion: every invocation in candidate whose result is missing gets
//     that result back from original, searched forward from the invoking
//     assistant message up to the next turn boundary.
//   - eviction: any assistant message still missing a result is removed along
//     with every result that answers it, and results without a preceding
//     invocation are dropped. A pair is never split.
//
// The output is ordered by Seq. Neither input is modified.
func Repair(candidate, original []conversation.Message) []conversation.Message {
	out := conversation.CloneMessages(candidate)
	sortBySeq(out)

	out = completePairs(out, original)
	out = evictUnpaired(out)
	return out
}

func completePairs(candidate, original []conversation.Message) []conversation.Message {
	origPos := make(map[int64]int, len(original))
	for i, m := range original {
		origPos[m.Seq] = i
	}

	present := resultIDs(candidate)
	bySeq := make(map[int64]int, len(candidate))
	for i, m := range candidate {
		bySeq[m.Seq] = i
	}

	var added []conversation.Message
	for _, m := range candidate {
		if m.Role != conversation.RoleAssistant || !m.HasInvocations() {
			continue
		}
		start, ok := origPos[m.Seq]
		if !ok {
			continue
		}
		for _, inv := range m.Invocations() {
			if present[inv.ID] {
				continue
			}
			seq, block, found := findResult(original, start, inv.ID)
			if !found {
				continue
			}
			present[inv.ID] = true

			if idx, ok := bySeq[seq]; ok {
				candidate[idx].Content = insertBlockInOrder(candidate[idx], original[origPos[seq]], block)
				continue
			}
			// The carrying message was dropped entirely: bring back a copy holding
			// only the recovered result, at its original position.
			restored := conversation.Message{
				Role:    original[origPos[seq]].Role,
				Seq:     seq,
				Content: []conversation.Block{block},
			}
			candidate = append(candidate, restored)
			bySeq[seq] = len(candidate) - 1
			added = append(added, restored)
		}
	}

	if len(added) > 0 {
		sortBySeq(candidate)
	}
	return candidate
}

// findResult scans original forward from the assistant message at start,
// stopping at the next user text message or assistant message.
func findResult(original []conversation.Message, start int, id string) (int64, conversation.Block, bool) {
	for i := start + 1; i < len(original); i++ {
		m := original[i]
		if m.Role == conversation.RoleAssistant || (m.Role == conversation.RoleUser && m.HasText()) {
			break
		}
		for _, b := range m.Content {
			if b.Type == conversation.BlockResult && b.Result != nil && b.Result.InvocationID == id {
				return m.Seq, b.Clone(), true
			}
		}
	}
	return 0, conversation.Block{}, false
}

// insertBlockInOrder adds block to target, keeping the block order of the
// original message the target was derived from.
func insertBlockInOrder(target, source conversation.Message, block conversation.Block) []conversation.Block {
	rank := make(map[string]int, len(source.Content))
	for i, b := range source.Content {
		if b.Type == conversation.BlockResult && b.Result != nil {
			rank[b.Result.InvocationID] = i
		}
	}
	blocks := append(append([]conversation.Block(nil), target.Content...), block)
	sort.SliceStable(blocks, func(i, j int) bool {
		return blockRank(blocks[i], rank, i) < blockRank(blocks[j], rank, j)
	})
	return blocks
}

func blockRank(b conversation.Block, rank map[string]int, fallback int) int {
	if b.Type == conversation.BlockResult && b.Result != nil {
		if r, ok := rank[b.Result.InvocationID]; ok {
			return r
		}
	}
	return fallback
}

func evictUnpaired(msgs []conversation.Message) []conversation.Message {
	answered := resultIDs(msgs)

	// Assistant messages that cannot be fully answered go, with all their ids.
	evictedSeq := make(map[int64]bool)
	for _, m := range msgs {
		if m.Role != conversation.RoleAssistant {
			continue
		}
		for _, inv := range m.Invocations() {
			if !answered[inv.ID] {
				evictedSeq[m.Seq] = true
				break
			}
		}
	}

	out := make([]conversation.Message, 0, len(msgs))
	invoked := make(map[string]bool)
	seen := make(map[string]bool)
	for _, m := range msgs {
		if evictedSeq[m.Seq] {
			continue
		}

		var kept []conversation.Block
		var ownInvocations []string
		for _, b := range m.Content {
			switch {
			case b.Type == conversation.BlockInvocation && b.Invocation != nil:
				ownInvocations = append(ownInvocations, b.Invocation.ID)
				kept = append(kept, b)
			case b.Type == conversation.BlockResult && b.Result != nil:
				// Only the first result for an invocation kept earlier in the history.
				id := b.Result.InvocationID
				if invoked[id] && !seen[id] {
					seen[id] = true
					kept = append(kept, b)
				}
			default:
				kept = append(kept, b)
			}
		}
		for _, id := range ownInvocations {
			invoked[id] = true
		}
		if len(kept) == 0 {
			continue
		}
		m.Content = kept
		out = append(out, m)
	}
	return out
}

func resultIDs(msgs []conversation.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range msgs {
		for _, r := range m.Results() {
			ids[r.InvocationID] = true
		}
	}
	return ids
}

func sortBySeq(msgs []conversation.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
}

// Validate reports the first violation of the history contract: sequence
// indices must strictly increase, every result must answer an invocation from
// an earlier message, and every invocation must be answered exactly once.
func Validate(msgs []conversation.Message) error {
	invokedAt := make(map[string]int)
	answered := make(map[string]bool)

	for i, m := range msgs {
		if i > 0 && m.Seq <= msgs[i-1].Seq {
			return fmt.Errorf("sequence index %d at position %d does not follow %d", m.Seq, i, msgs[i-1].Seq)
		}
		for _, b := range m.Content {
			switch {
			case b.Type == conversation.BlockInvocation && b.Invocation != nil:
				if _, dup := invokedAt[b.Invocation.ID]; dup {
					return fmt.Errorf("invocation %q appears more than once", b.Invocation.ID)
				}
				invokedAt[b.Invocation.ID] = i
			case b.Type == conversation.BlockResult && b.Result != nil:
				id := b.Result.InvocationID
				at, ok := invokedAt[id]
				if !ok || at >= i {
					return fmt.Errorf("result for %q at position %d has no earlier invocation", id, i)
				}
				if answered[id] {
					return fmt.Errorf("invocation %q is answered more than once", id)
				}
				answered[id] = true
			}
		}
	}

	for id := range invokedAt {
		if !answered[id] {
			return fmt.Errorf("invocation %q has no result", id)
		}
	}
	return nil
}
