package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SortOrder is the direction jobs are listed in, by last update.
type SortOrder int

const (
	SortNewestFirst SortOrder = iota
	SortOldestFirst
)

// ParseSortOrder accepts "", "desc" and "asc".
func ParseSortOrder(raw string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "desc":
		return SortNewestFirst, nil
	case "asc":
		return SortOldestFirst, nil
	default:
		return SortNewestFirst, fmt.Errorf("未知的排序方式: %s", raw)
	}
}

// TimeWindow bounds UpdatedAt, inclusive, in unix seconds. A zero side is open.
type TimeWindow struct {
	From int64
	To   int64
}

func (w TimeWindow) contains(ts int64) bool {
	if w.From > 0 && ts < w.From {
		return false
	}
	if w.To > 0 && ts > w.To {
		return false
	}
	return true
}

// ParseTime reads an RFC 3339 timestamp or unix seconds.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("时间格式无效 %q，应为 RFC3339 或 Unix 秒", raw)
	}
	return ts, nil
}

// ParseStatuses splits a comma separated status list.
func ParseStatuses(raw string) ([]Status, error) {
	var out []Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := Status(part)
		if !IsValidStatus(status) {
			return nil, fmt.Errorf("未知的任务状态: %s", part)
		}
		out = append(out, status)
	}
	return out, nil
}

// ListOptions selects jobs for List and Stats.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []Status
	Updated   TimeWindow
	HasResult *bool
	Order     SortOrder
	Query     string
}

func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Statuses = dedupeStatuses(o.Statuses)
	if o.Order != SortOldestFirst {
		o.Order = SortNewestFirst
	}
	o.Query = strings.TrimSpace(o.Query)
}

// matches applies every filter except paging.
func (o ListOptions) matches(t *Task) bool {
	if len(o.Statuses) > 0 && !containsStatus(o.Statuses, t.Status) {
		return false
	}
	if !o.Updated.contains(t.UpdatedAt) {
		return false
	}
	if o.HasResult != nil && t.Result.Empty() == *o.HasResult {
		return false
	}
	if o.Query == "" {
		return true
	}
	haystack := strings.ToLower(strings.Join([]string{t.ID, t.TxSignature, t.ProgramID, t.LastError}, " "))
	return strings.Contains(haystack, strings.ToLower(o.Query))
}

// ListOption adjusts ListOptions.
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithUpdatedSince keeps jobs updated at or after ts. A zero ts clears the bound.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.Updated.From = unixOrZero(ts) }
}

// WithUpdatedUntil keeps jobs updated at or before ts. A zero ts clears the bound.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.Updated.To = unixOrZero(ts) }
}

// WithResult keeps only jobs that have (or lack) a recorded proof result.
func WithResult(present bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &present }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery matches a case-insensitive substring of id, signature, program id or last error.
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// NewListOptions applies opts over the defaults.
func NewListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func containsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}
