package history

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/codefionn/turnloop/internal/tokens"
)

// Summary markers. A summarized tool result carries one of these as its
// payload for the rest of the session.
const (
	SummarySuccessMarker = "[summarized tool result: success]"
	SummaryFailureMarker = "[summarized tool result: failure]"
	SummaryTextSuffix    = " …[summarized]"
)

// summarizeThreshold is the score above which a message that does not fit
// verbatim is summarized instead of dropped.
const summarizeThreshold = 0.8

// Options tunes the pruner. Zero values select the defaults.
type Options struct {
	// TailSize is the number of most recent messages that are always kept.
	TailSize int
	// SubBudgetFraction is the share of the budget the greedy fill may use.
	// The rest absorbs results restored by pair repair.
	SubBudgetFraction float64
	// SummaryPrefixChars is how much of a long text survives summarization.
	SummaryPrefixChars int
}

// DefaultOptions returns the standard pruning options.
func DefaultOptions() Options {
	return Options{
		TailSize:           6,
		SubBudgetFraction:  0.75,
		SummaryPrefixChars: 120,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TailSize <= 0 {
		o.TailSize = def.TailSize
	}
	if o.SubBudgetFraction <= 0 || o.SubBudgetFraction > 1 {
		o.SubBudgetFraction = def.SubBudgetFraction
	}
	if o.SummaryPrefixChars <= 0 {
		o.SummaryPrefixChars = def.SummaryPrefixChars
	}
	return o
}

// Pruner fits a history into a token budget.
type Pruner struct {
	est  tokens.Estimator
	opts Options
	log  *logger.Logger
}

// NewPruner creates a pruner charging messages with est. A nil estimator
// selects the character estimator.
func NewPruner(est tokens.Estimator, opts Options) *Pruner {
	if est == nil {
		est = tokens.NewCharEstimator()
	}
	return &Pruner{
		est:  est,
		opts: opts.withDefaults(),
		log:  logger.Global().WithPrefix("history"),
	}
}

// Options returns the effective options.
func (p *Pruner) Options() Options {
	return p.opts
}

type scoredMessage struct {
	msg   conversation.Message
	index int
	score float64
}

// Prune returns a copy of msgs that fits budget, keeping the mandatory tail,
// the highest scoring prefix messages and complete invocation/result pairs.
// A budget of zero or less disables pruning. msgs is never modified.
func (p *Pruner) Prune(msgs []conversation.Message, budget int, focusPath string) []conversation.Message {
	if budget <= 0 || p.est.Estimate(msgs) <= budget {
		return conversation.CloneMessages(msgs)
	}

	n := len(msgs)
	tailStart := p.alignTail(msgs, max(0, n-p.opts.TailSize))
	prefix, tail := msgs[:tailStart], msgs[tailStart:]

	scored := make([]scoredMessage, len(prefix))
	for i, m := range prefix {
		scored[i] = scoredMessage{msg: m, index: i, score: Score(m, i, n, focusPath).Score}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index > scored[j].index
	})

	limit := p.opts.SubBudgetFraction * float64(budget)
	acc := p.est.Estimate(tail)
	var kept []scoredMessage
	summarized := 0
	for _, s := range scored {
		cost := p.cost(s.msg)
		if float64(acc+cost) <= limit {
			kept = append(kept, s)
			acc += cost
			continue
		}
		if s.score <= summarizeThreshold {
			continue
		}
		short, ok := p.summarize(s.msg)
		if !ok {
			continue
		}
		if c := p.cost(short); float64(acc+c) <= limit {
			s.msg = short
			kept = append(kept, s)
			acc += c
			summarized++
		}
	}

	out := Repair(p.assemble(kept, tail), msgs)
	if p.est.Estimate(out) <= budget {
		p.log.Debug("pruned %d -> %d messages (%d summarized, budget %d)", n, len(out), summarized, budget)
		return out
	}

	// Repair brought back results the greedy pass did not pay for. Shed the
	// least important prefix messages until the repaired history fits.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score < kept[j].score
		}
		return kept[i].index < kept[j].index
	})
	for len(kept) > 0 {
		kept = kept[1:]
		out = Repair(p.assemble(kept, tail), msgs)
		if p.est.Estimate(out) <= budget {
			p.log.Debug("pruned %d -> %d messages after shedding (budget %d)", n, len(out), budget)
			return out
		}
	}

	out = Repair(tail, msgs)
	p.log.Warn("tail alone exceeds budget: %d > %d tokens", p.est.Estimate(out), budget)
	return out
}

func (p *Pruner) cost(m conversation.Message) int {
	return p.est.Estimate([]conversation.Message{m})
}

// alignTail moves start backwards past result-only messages so the tail
// opens with the invocation those results answer.
func (p *Pruner) alignTail(msgs []conversation.Message, start int) int {
	for start > 0 && start < len(msgs) && isResultOnly(msgs[start]) {
		start--
	}
	return start
}

func isResultOnly(m conversation.Message) bool {
	return m.HasResults() && !m.HasText() && !m.HasInvocations()
}

func (p *Pruner) assemble(kept []scoredMessage, tail []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, 0, len(kept)+len(tail))
	for _, s := range kept {
		out = append(out, s.msg)
	}
	out = append(out, tail...)
	sortBySeq(out)
	return out
}

// summarize replaces tool result payloads with a fixed marker and shortens
// long text. Invocations are kept verbatim. It reports false when nothing
// could be shortened.
func (p *Pruner) summarize(m conversation.Message) (conversation.Message, bool) {
	out := m.Clone()
	changed := false
	for i, b := range out.Content {
		switch b.Type {
		case conversation.BlockResult:
			if b.Result == nil {
				continue
			}
			marker := SummarySuccessMarker
			if b.Result.IsError {
				marker = SummaryFailureMarker
			}
			if b.Result.Payload != marker {
				out.Content[i].Result.Payload = marker
				changed = true
			}
		case conversation.BlockText:
			if short, ok := p.shortenText(b.Text); ok {
				out.Content[i].Text = short
				changed = true
			}
		}
	}
	return out, changed
}

func (p *Pruner) shortenText(text string) (string, bool) {
	if strings.HasSuffix(text, SummaryTextSuffix) {
		return text, false
	}
	if utf8.RuneCountInString(text) <= p.opts.SummaryPrefixChars {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:p.opts.SummaryPrefixChars]) + SummaryTextSuffix, true
}
