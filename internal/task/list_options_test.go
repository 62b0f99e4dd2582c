package task

import (
	"testing"
	"time"
)

func TestNewListOptionsNormalizes(t *testing.T) {
	opts := NewListOptions(
		WithLimit(500),
		WithOffset(-3),
		WithStatuses(StatusFailed, "bogus", StatusFailed, StatusPending),
		WithQuery("  sig  "),
		WithSortOrder(SortOrder(9)),
	)
	if opts.Limit != MaxListLimit {
		t.Fatalf("limit not capped: %d", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Fatalf("negative offset kept: %d", opts.Offset)
	}
	if len(opts.Statuses) != 2 || opts.Statuses[0] != StatusFailed || opts.Statuses[1] != StatusPending {
		t.Fatalf("unexpected statuses: %v", opts.Statuses)
	}
	if opts.Query != "sig" {
		t.Fatalf("query not trimmed: %q", opts.Query)
	}
	if opts.Order != SortNewestFirst {
		t.Fatalf("unknown order not reset: %v", opts.Order)
	}
	if NewListOptions().Limit != DefaultListLimit {
		t.Fatalf("default limit not applied")
	}
}

func TestParseListParameters(t *testing.T) {
	ts, err := ParseTime("1700000000")
	if err != nil || ts.Unix() != 1700000000 {
		t.Fatalf("unix seconds: %v %v", ts, err)
	}
	ts, err = ParseTime("2024-05-01T10:00:00Z")
	if err != nil || !ts.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v %v", ts, err)
	}
	if ts, err := ParseTime(""); err != nil || !ts.IsZero() {
		t.Fatalf("empty time should be zero: %v %v", ts, err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatalf("expected error for malformed time")
	}

	statuses, err := ParseStatuses("failed, pending,")
	if err != nil || len(statuses) != 2 {
		t.Fatalf("statuses: %v %v", statuses, err)
	}
	if _, err := ParseStatuses("failed,unknown"); err == nil {
		t.Fatalf("expected error for unknown status")
	}

	if order, err := ParseSortOrder("ASC"); err != nil || order != SortOldestFirst {
		t.Fatalf("asc: %v %v", order, err)
	}
	if _, err := ParseSortOrder("sideways"); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}

func TestWithUpdatedSinceZeroClearsBound(t *testing.T) {
	opts := NewListOptions(WithUpdatedSince(time.Unix(100, 0)), WithUpdatedSince(time.Time{}))
	if opts.Updated.From != 0 {
		t.Fatalf("bound not cleared: %d", opts.Updated.From)
	}
	if !opts.Updated.contains(1) {
		t.Fatalf("open window should contain every timestamp")
	}
}
