package process

import (
	"context"

	"github.com/acme/expediente/internal/ledger"
	"github.com/acme/expediente/model"
)

// InstancePage is one page of started instances.
type InstancePage struct {
	Items    []model.ProcessInstanceRecord `json:"items"`
	Total    int                           `json:"total"`
	Page     int                           `json:"page"`
	PageSize int                           `json:"page_size"`
}

// GetInstance returns the ledger record of an instance started through this
// service.
func (s *Service) GetInstance(ctx context.Context, caps model.CapabilitySet, key model.InstanceKey) (model.ProcessInstanceRecord, error) {
	if !caps.Has(model.CapProcessRead) {
		return model.ProcessInstanceRecord{}, model.NewForbiddenError("insufficient capabilities to read process instances")
	}
	if s.ledger == nil {
		return model.ProcessInstanceRecord{}, model.NewNotFoundError("instance ledger is disabled")
	}
	if key == "" {
		return model.ProcessInstanceRecord{}, model.NewBadRequestError("instance key is required")
	}
	return s.ledger.Get(ctx, key)
}

// ListInstances returns started instances matching filters, newest first.
func (s *Service) ListInstances(ctx context.Context, caps model.CapabilitySet, filters model.InstanceFilters) (InstancePage, error) {
	if !caps.Has(model.CapProcessRead) {
		return InstancePage{}, model.NewForbiddenError("insufficient capabilities to read process instances")
	}
	if s.ledger == nil {
		return InstancePage{}, model.NewNotFoundError("instance ledger is disabled")
	}

	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = ledger.DefaultPageSize
	}
	if filters.PageSize > ledger.MaxPageSize {
		filters.PageSize = ledger.MaxPageSize
	}

	items, total, err := s.ledger.List(ctx, filters)
	if err != nil {
		return InstancePage{}, err
	}
	if items == nil {
		items = []model.ProcessInstanceRecord{}
	}
	return InstancePage{
		Items:    items,
		Total:    total,
		Page:     filters.Page,
		PageSize: filters.PageSize,
	}, nil
}
