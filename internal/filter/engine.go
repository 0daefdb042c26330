// Package filter implements per-source rules that decide whether a feed item is ingested.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"news_ingest/internal/model"
)

// FeedItem is the part of a feed entry that rules can see.
type FeedItem struct {
	Title       string
	Description string
	Link        string
}

// Match checks whether an item passes the given set of rules.
// Include rules are OR-ed, exclude rules veto. No rules means the item passes.
func Match(item FeedItem, filters []model.Filter) bool {
	if len(filters) == 0 {
		return true
	}

	hasIncludes := false
	anyIncludeMatched := false

	for _, f := range filters {
		switch f.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			hasIncludes = true
			if matchesFilter(item, f) {
				anyIncludeMatched = true
			}
		case model.FilterExclude, model.FilterExcludeRe:
			if matchesFilter(item, f) {
				return false
			}
		}
	}

	return !hasIncludes || anyIncludeMatched
}

// MediaRules builds exclude rules that drop items whose link contains any of the
// given path segments (for example "/videos/").
func MediaRules(segments []string) []model.Filter {
	rules := make([]model.Filter, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		rules = append(rules, model.Filter{Kind: model.FilterExclude, Scope: model.ScopeLink, Value: seg})
	}
	return rules
}

func matchesFilter(item FeedItem, f model.Filter) bool {
	text := textForScope(item, f.Scope)
	switch f.Kind {
	case model.FilterInclude, model.FilterExclude:
		return strings.Contains(text, strings.ToLower(f.Value))
	case model.FilterIncludeRe, model.FilterExcludeRe:
		re, err := regexp.Compile("(?i)" + f.Value)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return false
}

func textForScope(item FeedItem, scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return strings.ToLower(item.Title)
	case model.ScopeContent:
		return strings.ToLower(item.Description)
	case model.ScopeLink:
		return strings.ToLower(item.Link)
	default:
		return strings.ToLower(item.Title + " " + item.Description)
	}
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

// Validate checks kind, scope and pattern of every rule.
func Validate(filters []model.Filter) error {
	for i, f := range filters {
		switch f.Kind {
		case model.FilterInclude, model.FilterExclude:
		case model.FilterIncludeRe, model.FilterExcludeRe:
			if err := ValidateRegex(f.Value); err != nil {
				return fmt.Errorf("filter %d: %w", i, err)
			}
		default:
			return fmt.Errorf("filter %d: unknown kind %q", i, f.Kind)
		}
		switch f.Scope {
		case model.ScopeTitle, model.ScopeContent, model.ScopeLink, model.ScopeAll, "":
		default:
			return fmt.Errorf("filter %d: unknown scope %q", i, f.Scope)
		}
		if strings.TrimSpace(f.Value) == "" {
			return fmt.Errorf("filter %d: empty value", i)
		}
	}
	return nil
}
