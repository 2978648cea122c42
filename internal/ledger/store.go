// Package ledger keeps a record of the process instances started through
// this service.
package ledger

import (
	"context"

	"github.com/acme/expediente/model"
)

// Pagination limits for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store persists started-instance records.
type Store interface {
	// Record stores a freshly started instance. Recording the same instance
	// key twice keeps the first record.
	Record(ctx context.Context, rec model.ProcessInstanceRecord) error

	// Get returns the record for an instance key, or NOT_FOUND.
	Get(ctx context.Context, key model.InstanceKey) (model.ProcessInstanceRecord, error)

	// List returns records matching filters, newest first, and the total
	// number of matches.
	List(ctx context.Context, filters model.InstanceFilters) ([]model.ProcessInstanceRecord, int, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// normalizePage applies the default and maximum page size and returns the
// offset for a 1-based page.
func normalizePage(f model.InstanceFilters) (limit, offset int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
