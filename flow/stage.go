package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// StageType is one word of the stage vocabulary (OPT, SP, BAND, ...).
type StageType string

const (
	StageOPT       StageType = "OPT"
	StageSP        StageType = "SP"
	StageBAND      StageType = "BAND"
	StageDOSS      StageType = "DOSS"
	StageFREQ      StageType = "FREQ"
	StageTRANSPORT StageType = "TRANSPORT"
	StageCHARGE    StageType = "CHARGE"
	StagePOTENTIAL StageType = "POTENTIAL"
)

// DefaultStages is the vocabulary used when configuration does not declare one.
var DefaultStages = []StageType{
	StageOPT,
	StageSP,
	StageBAND,
	StageDOSS,
	StageFREQ,
	StageTRANSPORT,
	StageCHARGE,
	StagePOTENTIAL,
}

func normalizeStage(stage StageType) StageType {
	return StageType(strings.ToUpper(strings.TrimSpace(string(stage))))
}

// Vocabulary is the closed set of known stage types.
type Vocabulary struct {
	order  []StageType
	stages map[StageType]struct{}
}

// NewVocabulary builds a vocabulary; an empty list yields DefaultStages.
func NewVocabulary(stages ...StageType) (Vocabulary, error) {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	v := Vocabulary{stages: make(map[StageType]struct{}, len(stages))}
	for _, stage := range stages {
		stage = normalizeStage(stage)
		if stage == "" || !isAlpha(string(stage)) {
			return Vocabulary{}, cloneFlowError(ErrInvalidConfig, fmt.Sprintf("stage type %q must be alphabetic", stage), nil, nil)
		}
		if _, dup := v.stages[stage]; dup {
			continue
		}
		v.stages[stage] = struct{}{}
		v.order = append(v.order, stage)
	}
	return v, nil
}

// DefaultVocabulary returns the built-in stage vocabulary.
func DefaultVocabulary() Vocabulary {
	v, _ := NewVocabulary()
	return v
}

// Contains reports whether stage is a known stage type.
func (v Vocabulary) Contains(stage StageType) bool {
	_, ok := v.stages[normalizeStage(stage)]
	return ok
}

// Stages returns the vocabulary in declaration order.
func (v Vocabulary) Stages() []StageType {
	return append([]StageType(nil), v.order...)
}

// Token is a parsed workflow token: a stage and its occurrence number in the sequence.
type Token struct {
	Stage      StageType
	Occurrence int
}

// String renders the token back to its canonical form (OPT, OPT2, ...).
func (t Token) String() string {
	if t.Occurrence <= 1 {
		return string(t.Stage)
	}
	return string(t.Stage) + strconv.Itoa(t.Occurrence)
}

// ParseStageToken parses raw against the vocabulary. A bare word is occurrence 1;
// an integer suffix must be >= 2 without leading zeros.
func (v Vocabulary) ParseStageToken(raw string) (Token, error) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	split := strings.IndexFunc(text, func(r rune) bool { return r < 'A' || r > 'Z' })
	word, suffix := text, ""
	if split >= 0 {
		word, suffix = text[:split], text[split:]
	}
	if word == "" || !v.Contains(StageType(word)) {
		return Token{}, invalidToken(raw, "unknown stage type")
	}
	if suffix == "" {
		return Token{Stage: StageType(word), Occurrence: 1}, nil
	}
	if suffix[0] == '0' {
		return Token{}, invalidToken(raw, "occurrence suffix has leading zero")
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return Token{}, invalidToken(raw, "occurrence suffix is not an integer")
	}
	if n < 2 {
		return Token{}, invalidToken(raw, "occurrence suffix must be >= 2")
	}
	return Token{Stage: StageType(word), Occurrence: n}, nil
}

// ParseStageToken parses raw against the default vocabulary.
func ParseStageToken(raw string) (StageType, int, error) {
	tok, err := DefaultVocabulary().ParseStageToken(raw)
	if err != nil {
		return "", 0, err
	}
	return tok.Stage, tok.Occurrence, nil
}

// AttemptSuffix is the identifier suffix for an attempt: empty for 1, the index otherwise.
func AttemptSuffix(attempt int) string {
	if attempt <= 1 {
		return ""
	}
	return strconv.Itoa(attempt)
}

// CalculationID derives the calculation identity for a material, stage and attempt.
func CalculationID(materialID string, stage StageType, attempt int) string {
	return strings.TrimSpace(materialID) + "_" + string(normalizeStage(stage)) + AttemptSuffix(attempt)
}

func invalidToken(raw, reason string) error {
	return cloneFlowError(ErrInvalidToken, fmt.Sprintf("invalid stage token %q: %s", raw, reason), nil, map[string]any{
		"token": raw,
	})
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}
