// Package notify delivers the high-impact stories of a committed run to outside channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"news_ingest/internal/model"
)

// Notifier receives the result of a successful run.
type Notifier interface {
	Notify(ctx context.Context, result model.RunResult) error
}

// Multi fans a result out to several notifiers. Every notifier is tried; errors are
// joined and each names the notifier that failed.
type Multi struct {
	notifiers []Notifier
}

// NewMulti returns a Multi over ns.
func NewMulti(ns ...Notifier) *Multi {
	return &Multi{notifiers: ns}
}

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, result model.RunResult) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}
