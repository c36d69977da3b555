package phase

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/reqforge/internal/artifact"
)

// QAPair is one question from the collector and the stakeholder's answer.
type QAPair struct {
	Round    int    `json:"round"`
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// Transcript is the structured form of a qa_pairs artifact. Each version
// carries the whole conversation so far.
type Transcript struct {
	Pairs []QAPair `json:"pairs"`
}

// LoadTranscript decodes the transcript carried by a qa_pairs artifact. A nil
// artifact or one without structured content yields an empty transcript.
func LoadTranscript(a *artifact.Artifact) (*Transcript, error) {
	t := &Transcript{}
	if a == nil {
		return t, nil
	}
	if _, err := a.Decode(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Ask appends unanswered questions for a round and returns their indexes.
func (t *Transcript) Ask(round int, questions ...string) []int {
	idx := make([]int, 0, len(questions))
	for _, q := range questions {
		idx = append(idx, len(t.Pairs))
		t.Pairs = append(t.Pairs, QAPair{Round: round, Question: q})
	}
	return idx
}

// Answer records the answer to the question at index i.
func (t *Transcript) Answer(i int, answer string) {
	t.Pairs[i].Answer = strings.TrimSpace(answer)
}

// Render formats the transcript for prompts and export.
func (t *Transcript) Render() string {
	var b strings.Builder
	for i, p := range t.Pairs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Q%d: %s\n", i+1, p.Question)
		if p.Answer == "" {
			fmt.Fprintf(&b, "A%d: (awaiting answer)\n", i+1)
		} else {
			fmt.Fprintf(&b, "A%d: %s\n", i+1, p.Answer)
		}
	}
	return b.String()
}
