package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	for _, spec := range []string{"", "every day", "61 * * * *"} {
		if _, err := New(spec, time.UTC, func(context.Context) {}, testLogger()); err == nil {
			t.Errorf("New(%q) expected error", spec)
		}
	}
}

func TestNext(t *testing.T) {
	sgt := time.FixedZone("SGT", 8*3600)
	tests := []struct {
		name string
		spec string
		from time.Time
		want time.Time
	}{
		{
			name: "every six hours",
			spec: "0 */6 * * *",
			from: time.Date(2026, time.October, 17, 7, 30, 0, 0, sgt),
			want: time.Date(2026, time.October, 17, 12, 0, 0, 0, sgt),
		},
		{
			name: "hourly descriptor",
			spec: "@hourly",
			from: time.Date(2026, time.October, 17, 23, 59, 0, 0, sgt),
			want: time.Date(2026, time.October, 18, 0, 0, 0, 0, sgt),
		},
		{
			name: "evaluated in scheduler location",
			spec: "0 8 * * MON",
			from: time.Date(2026, time.October, 17, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, time.October, 19, 8, 0, 0, 0, sgt),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.spec, sgt, func(context.Context) {}, testLogger())
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			got := s.Next(tt.from)
			if !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnce(t *testing.T) {
	var calls atomic.Int32
	s, err := New("@daily", time.UTC, func(context.Context) { calls.Add(1) }, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Once(context.Background())
	if diff := cmp.Diff(int32(1), calls.Load()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	s, err := New("@every 1s", time.UTC, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
