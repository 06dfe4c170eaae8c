package flow

import (
	"fmt"
	"strings"
)

// Step is one entry of a workflow sequence. A single token is a linear step;
// several tokens form a parallel group that fans out after the previous step
// and joins before the next one.
type Step []string

// Sequence is the validated, immutable form of a workflow's ordered tokens.
type Sequence struct {
	tokens []Token
	levels []int
	index  map[string]int
}

// NewSequence parses and validates steps against the vocabulary.
func NewSequence(vocab Vocabulary, steps []Step) (Sequence, error) {
	if len(steps) == 0 {
		return Sequence{}, cloneFlowError(ErrInvalidConfig, "workflow sequence is empty", nil, nil)
	}
	seq := Sequence{index: make(map[string]int)}
	seen := make(map[StageType]int)
	for level, step := range steps {
		if len(step) == 0 {
			return Sequence{}, cloneFlowError(ErrInvalidConfig, fmt.Sprintf("step %d is empty", level), nil, nil)
		}
		inStep := make(map[StageType]struct{}, len(step))
		for _, raw := range step {
			tok, err := vocab.ParseStageToken(raw)
			if err != nil {
				return Sequence{}, err
			}
			key := tok.String()
			if _, dup := seq.index[key]; dup {
				return Sequence{}, invalidToken(raw, "duplicate token in sequence")
			}
			if _, dup := inStep[tok.Stage]; dup {
				return Sequence{}, invalidToken(raw, "stage repeated inside one parallel group")
			}
			if tok.Occurrence != seen[tok.Stage]+1 {
				return Sequence{}, invalidToken(raw, fmt.Sprintf("expected occurrence %d of %s", seen[tok.Stage]+1, tok.Stage))
			}
			seen[tok.Stage] = tok.Occurrence
			inStep[tok.Stage] = struct{}{}
			seq.index[key] = len(seq.tokens)
			seq.tokens = append(seq.tokens, tok)
			seq.levels = append(seq.levels, level)
		}
	}
	return seq, nil
}

// Len returns the number of tokens.
func (s Sequence) Len() int { return len(s.tokens) }

// Tokens returns the tokens in sequence order.
func (s Sequence) Tokens() []Token { return append([]Token(nil), s.tokens...) }

// At returns the token at pos.
func (s Sequence) At(pos int) (Token, bool) {
	if pos < 0 || pos >= len(s.tokens) {
		return Token{}, false
	}
	return s.tokens[pos], true
}

// Level returns the step index of pos, or -1 when out of range.
func (s Sequence) Level(pos int) int {
	if pos < 0 || pos >= len(s.levels) {
		return -1
	}
	return s.levels[pos]
}

// LevelTokens returns every token of the given step.
func (s Sequence) LevelTokens(level int) []Token {
	var out []Token
	for i, l := range s.levels {
		if l == level {
			out = append(out, s.tokens[i])
		}
	}
	return out
}

// First returns the tokens a new material starts with.
func (s Sequence) First() []Token { return s.LevelTokens(0) }

// Position returns the index of tok in the sequence.
func (s Sequence) Position(tok Token) (int, bool) {
	pos, ok := s.index[tok.String()]
	return pos, ok
}

// Locate finds the position a calculation occupies. A recorded token wins.
// Without one the stage must occur exactly once in the sequence, so a retry of
// OPT (attempt 2) in [OPT, SP] still maps to OPT. Untokened calculations of a
// stage that repeats are ambiguous and rejected with ErrInvalidToken.
func (s Sequence) Locate(vocab Vocabulary, stage StageType, attempt int, token string) (int, error) {
	if strings.TrimSpace(token) != "" {
		tok, err := vocab.ParseStageToken(token)
		if err != nil {
			return -1, err
		}
		if pos, ok := s.Position(tok); ok {
			return pos, nil
		}
		return -1, invalidToken(token, "token is not part of the workflow sequence")
	}
	stage = normalizeStage(stage)
	found, matches := -1, 0
	for i, tok := range s.tokens {
		if tok.Stage == stage {
			found = i
			matches++
		}
	}
	switch {
	case matches == 0:
		return -1, invalidToken(string(stage), "stage is not part of the workflow sequence")
	case matches > 1:
		return -1, invalidToken(string(stage)+AttemptSuffix(attempt), "stage repeats in the workflow sequence and the calculation has no token")
	}
	return found, nil
}

// NextStages returns every token of the step immediately after the one holding
// position: one token for a linear chain, the whole group for a fan-out, none at
// the end of the sequence. It is a pure function of its inputs.
func NextStages(seq Sequence, position int) []Token {
	level := seq.Level(position)
	if level < 0 {
		return nil
	}
	return seq.LevelTokens(level + 1)
}
