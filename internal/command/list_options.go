package command

import (
	"strings"
	"time"
)

// SortOrder picks the ordering applied to listings.
type SortOrder int

const (
	// SortByUpdatedDesc returns the most recently touched commands first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc returns the oldest commands first.
	SortByUpdatedAsc
)

// Paging bounds applied to every listing.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions narrows which commands a store query returns.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Capability string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults clamps paging values and normalises the filters in place.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	} else if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Capability = strings.ToLower(strings.TrimSpace(opts.Capability))
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption tweaks a ListOptions value in place.
type ListOption func(*ListOptions)

// WithLimit caps how many commands a single page holds.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matches.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses keeps only commands in one of the given states.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithCapability keeps only commands targeting the named capability. The
// match is case-insensitive.
func WithCapability(capability string) ListOption {
	return func(opts *ListOptions) {
		opts.Capability = capability
	}
}

// WithUpdatedSince keeps commands touched at or after the given instant.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil keeps commands touched at or before the given instant.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithResultPresence keeps commands with (or without) a recorded execution
// result.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		value := hasResult
		opts.HasResult = &value
	}
}

// WithSortOrder switches between newest-first and oldest-first listings.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery does a substring match across id, capability, target, args and
// result fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions folds option functions on top of the defaults.
func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	seen := make(map[Status]struct{}, len(input))
	var kept []Status
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		kept = append(kept, status)
	}
	return kept
}
