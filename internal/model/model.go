// Package model defines the domain types used across the application.
package model

import (
	"net/http"
	"time"
)

// ImpactLevel is the editorial significance of a news title, 0 (irrelevant) to 3 (highest).
type ImpactLevel int

// Supported impact levels.
const (
	ImpactIrrelevant ImpactLevel = 0
	ImpactLow        ImpactLevel = 1
	ImpactMedium     ImpactLevel = 2
	ImpactHigh       ImpactLevel = 3
)

// Valid reports whether l is one of the known levels.
func (l ImpactLevel) Valid() bool {
	return l >= ImpactIrrelevant && l <= ImpactHigh
}

// Source is a logical feed identifier bound to its endpoint.
type Source struct {
	Name    string
	URL     string
	Filters []Filter
}

// RawItem is a single feed entry as fetched, before normalization.
type RawItem struct {
	Title          string
	Description    string
	HasDescription bool
	Link           string
	Published      *time.Time
	PublishedRaw   string
}

// NewsItem is one normalized, classified article.
type NewsItem struct {
	Title          string
	Description    string
	HasDescription bool
	URL            string
	Source         string
	PublishedAt    time.Time
	Impact         ImpactLevel
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of the feed item a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeLink    FilterScope = "link"
	ScopeAll     FilterScope = "all"
)

// Filter is a single rule attached to a source.
type Filter struct {
	Kind  FilterKind  `yaml:"kind"`
	Scope FilterScope `yaml:"scope"`
	Value string      `yaml:"value"`
}

// RunStatus is the terminal state of one ingestion run.
type RunStatus string

// Run outcomes.
const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failure"
)

// RunResult summarizes one run. It is the only externally visible output besides logs.
type RunResult struct {
	RunID      string
	Status     RunStatus
	Message    string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time

	Sources       int
	SourcesFailed int
	Fetched       int
	Skipped       int
	BelowFloor    int
	Duplicates    int
	Persisted     int
	Expired       int

	HighImpact []NewsItem
}

// StatusCode maps the run status to an HTTP-style code.
func (r RunResult) StatusCode() int {
	if r.Status == RunSucceeded {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
