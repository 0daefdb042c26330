// Package classifier scores news titles with a pre-trained TF-IDF + Naive Bayes model.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode"

	"news_ingest/internal/model"
)

// ErrEmptyTitle is returned for titles with nothing to score.
var ErrEmptyTitle = errors.New("empty title")

// Classifier assigns an impact level to a title. Implementations are deterministic
// and have no side effects.
type Classifier interface {
	Classify(title string) (model.ImpactLevel, error)
}

// Artifact is the exported form of a trained vectorizer and classifier pair.
type Artifact struct {
	Vocabulary     map[string]int `json:"vocabulary"`
	IDF            []float64      `json:"idf"`
	NgramRange     [2]int         `json:"ngram_range"`
	Classes        []int          `json:"classes"`
	ClassLogPrior  []float64      `json:"class_log_prior"`
	FeatureLogProb [][]float64    `json:"feature_log_prob"`
}

// Model is a validated, ready-to-use Artifact.
type Model struct {
	vocab      map[string]int
	idf        []float64
	minN, maxN int
	classes    []model.ImpactLevel
	prior      []float64
	logProb    [][]float64
}

// Decode reads a JSON artifact from r and validates it.
func Decode(r io.Reader) (*Model, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return New(a)
}

// New validates a and builds a Model from it.
func New(a Artifact) (*Model, error) {
	nFeatures := len(a.IDF)
	if nFeatures == 0 || len(a.Vocabulary) == 0 {
		return nil, errors.New("artifact has no features")
	}
	for term, idx := range a.Vocabulary {
		if idx < 0 || idx >= nFeatures {
			return nil, fmt.Errorf("term %q index %d out of range", term, idx)
		}
	}
	if len(a.Classes) == 0 {
		return nil, errors.New("artifact has no classes")
	}
	if len(a.ClassLogPrior) != len(a.Classes) || len(a.FeatureLogProb) != len(a.Classes) {
		return nil, fmt.Errorf("artifact has %d classes but %d priors and %d probability rows",
			len(a.Classes), len(a.ClassLogPrior), len(a.FeatureLogProb))
	}
	classes := make([]model.ImpactLevel, len(a.Classes))
	for i, c := range a.Classes {
		lvl := model.ImpactLevel(c)
		if !lvl.Valid() {
			return nil, fmt.Errorf("class %d is not an impact level", c)
		}
		classes[i] = lvl
		if len(a.FeatureLogProb[i]) != nFeatures {
			return nil, fmt.Errorf("class %d has %d feature weights, want %d", c, len(a.FeatureLogProb[i]), nFeatures)
		}
	}

	minN, maxN := a.NgramRange[0], a.NgramRange[1]
	if minN == 0 && maxN == 0 {
		minN, maxN = 1, 1
	}
	if minN < 1 || maxN < minN {
		return nil, fmt.Errorf("invalid ngram range [%d, %d]", minN, maxN)
	}

	return &Model{
		vocab:   a.Vocabulary,
		idf:     a.IDF,
		minN:    minN,
		maxN:    maxN,
		classes: classes,
		prior:   a.ClassLogPrior,
		logProb: a.FeatureLogProb,
	}, nil
}

// Classify returns the most likely impact level for title.
// Ties go to the class listed first in the artifact.
func (m *Model) Classify(title string) (model.ImpactLevel, error) {
	if strings.TrimSpace(title) == "" {
		return 0, ErrEmptyTitle
	}

	x := m.vectorize(title)
	best, bestScore := 0, math.Inf(-1)
	for c := range m.classes {
		score := m.prior[c]
		for idx, w := range x {
			score += w * m.logProb[c][idx]
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return m.classes[best], nil
}

// vectorize builds the l2-normalised TF-IDF vector of text as a sparse map.
func (m *Model) vectorize(text string) map[int]float64 {
	tokens := tokenize(text)
	x := make(map[int]float64)
	for n := m.minN; n <= m.maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			if idx, ok := m.vocab[strings.Join(tokens[i:i+n], " ")]; ok {
				x[idx]++
			}
		}
	}

	var norm float64
	for idx, tf := range x {
		x[idx] = tf * m.idf[idx]
		norm += x[idx] * x[idx]
	}
	if norm == 0 {
		return x
	}
	norm = math.Sqrt(norm)
	for idx := range x {
		x[idx] /= norm
	}
	return x
}

// tokenize lowercases text and keeps word runs of at least two characters.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) >= 2 {
			out = append(out, w)
		}
	}
	return out
}
