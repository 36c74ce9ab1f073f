package metrics

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "metrics.db")
	s, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndQueryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	samples := []Sample{
		{Timestamp: 100, MetricType: MetricCPUPercent, Value: 12.5},
		{Timestamp: 200, MetricType: MetricCPUPercent, Value: 42.0},
		{Timestamp: 150, MetricType: MetricMemoryPercent, Value: 60.0},
	}
	if err := s.InsertBatch(ctx, samples); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, err := s.Query(ctx, QueryOptions{Start: 0, End: 1000, MetricType: string(MetricCPUPercent)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cpu_percent rows, got %d", len(got))
	}
	if got[0].Timestamp != 100 || got[1].Timestamp != 200 {
		t.Fatalf("expected ascending timestamp order, got %+v", got)
	}
}

func TestQueryEmptyRangeReturnsNoRowsNotError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []Sample{{Timestamp: 500, MetricType: MetricCPUPercent, Value: 1}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, err := s.Query(ctx, QueryOptions{Start: 0, End: 0})
	if err != nil {
		t.Fatalf("Query on empty range should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %d", len(got))
	}
}

func TestQueryRejectsLimitOutOfRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, limit := range []int{-1, 1001} {
		_, err := s.Query(ctx, QueryOptions{Start: 0, End: 1000, Limit: limit})
		if err == nil {
			t.Errorf("limit=%d: expected invalid_argument, got nil", limit)
		}
	}
}

func TestEnforceRetentionDeletesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []Sample{
		{Timestamp: 0, MetricType: MetricCPUPercent, Value: 1},
		{Timestamp: 1_000_000, MetricType: MetricCPUPercent, Value: 2},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if err := s.EnforceRetention(ctx, 1_000_000, 100); err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}

	got, err := s.Query(ctx, QueryOptions{Start: 0, End: 2_000_000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 1_000_000 {
		t.Fatalf("expected only the recent row to survive retention, got %+v", got)
	}
}

func TestAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []Sample{
		{Timestamp: 1, MetricType: MetricCPUPercent, Value: 10},
		{Timestamp: 2, MetricType: MetricCPUPercent, Value: 20},
		{Timestamp: 3, MetricType: MetricCPUPercent, Value: 30},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	results, err := s.Aggregate(ctx, QueryOptions{Start: 0, End: 10}, AggAvg)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(results) != 1 || results[0].MetricType != string(MetricCPUPercent) {
		t.Fatalf("unexpected aggregate result: %+v", results)
	}
	if results[0].Value != 20 {
		t.Fatalf("expected avg 20, got %v", results[0].Value)
	}
}

func TestSamplerRejectsOutOfRangeInterval(t *testing.T) {
	s := openTestStore(t)
	sampler := NewSampler(s, Config{Interval: 0}, zap.NewNop())
	if err := sampler.Start(context.Background()); err == nil {
		t.Fatal("expected invalid_argument for a zero interval")
	}
}

func TestSamplerStartIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	sampler := NewSampler(s, Config{Interval: MinInterval}, zap.NewNop())
	ctx := context.Background()

	if err := sampler.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := sampler.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if err := sampler.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sampler.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}
