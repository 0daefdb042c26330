// Package dedup detects near-duplicate stories with token-order-insensitive fuzzy matching.
package dedup

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
)

// DefaultThreshold is the score a pair must exceed to count as the same story.
const DefaultThreshold = 55

// Fields selects which item fields are compared.
type Fields string

// Supported field sets.
const (
	FieldsTitle            Fields = "title"
	FieldsTitleDescription Fields = "title+description"
)

// ParseFields validates a field-set name. Empty means title only.
func ParseFields(s string) (Fields, error) {
	switch Fields(strings.ToLower(strings.TrimSpace(s))) {
	case "", FieldsTitle:
		return FieldsTitle, nil
	case FieldsTitleDescription, "title,description":
		return FieldsTitleDescription, nil
	}
	return "", fmt.Errorf("unknown dedup fields %q", s)
}

// Entry is one already-admitted story as the index sees it.
type Entry struct {
	Title          string
	Source         string
	Description    string
	HasDescription bool
}

// Match describes the first existing entry a candidate collided with.
type Match struct {
	Entry Entry
	Field string
	Score int
}

// Index decides whether a candidate duplicates anything in a corpus.
type Index struct {
	threshold int
	fields    Fields
}

// NewIndex creates an Index. Threshold must be within 0..100.
func NewIndex(threshold int, fields Fields) (*Index, error) {
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("threshold %d out of range 0..100", threshold)
	}
	if fields == "" {
		fields = FieldsTitle
	}
	return &Index{threshold: threshold, fields: fields}, nil
}

// IsDuplicate scans corpus in order and stops at the first entry scoring above the
// threshold. Source is ignored: a story seen from any feed counts.
func (ix *Index) IsDuplicate(candidate Entry, corpus []Entry) (bool, Match) {
	for _, e := range corpus {
		if score := TokenSortRatio(candidate.Title, e.Title); score > ix.threshold {
			return true, Match{Entry: e, Field: "title", Score: score}
		}
		if ix.fields != FieldsTitleDescription || !candidate.HasDescription || !e.HasDescription {
			continue
		}
		if score := TokenSortRatio(candidate.Description, e.Description); score > ix.threshold {
			return true, Match{Entry: e, Field: "description", Score: score}
		}
	}
	return false, Match{}
}

// TokenSortRatio scores the similarity of a and b from 0 to 100 after lowercasing,
// dropping punctuation and sorting word tokens. The score is the indel ratio
// 100*(la+lb-indel)/(la+lb) of the sorted strings, rounded half to even.
// Identical non-empty inputs score 100; anything compared with an empty string scores 0.
func TokenSortRatio(a, b string) int {
	sa, sb := sortedTokens(a), sortedTokens(b)
	if sa == "" || sb == "" {
		return 0
	}
	if sa == sb {
		return 100
	}

	total := utf8.RuneCountInString(sa) + utf8.RuneCountInString(sb)
	indel := edlib.LCSEditDistance(sa, sb)
	return int(math.RoundToEven(100 * float64(total-indel) / float64(total)))
}

// sortedTokens splits on anything that is not a letter, digit or underscore.
func sortedTokens(s string) string {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
