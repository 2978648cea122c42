package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/model"
)

func testRecord(key, processID, subject string, startedAt time.Time) model.ProcessInstanceRecord {
	return model.ProcessInstanceRecord{
		ProcessInstanceKey: model.InstanceKey(key),
		BpmnProcessID:      processID,
		SubjectID:          subject,
		Variables:          map[string]any{"persona": "Juan"},
		StartedAt:          startedAt,
	}
}

func TestMemoryStore_RecordAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Record(ctx, testRecord("2251799813685249", "recepcion-documento", "user-1", now)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := s.Get(ctx, "2251799813685249")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.BpmnProcessID != "recepcion-documento" || got.SubjectID != "user-1" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestMemoryStore_Get_notFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "nope")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_Record_keepsFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Record(ctx, testRecord("1", "a", "user-1", now))
	s.Record(ctx, testRecord("1", "b", "user-2", now))

	got, _ := s.Get(ctx, "1")
	if got.BpmnProcessID != "a" {
		t.Errorf("BpmnProcessID = %q, want first record kept", got.BpmnProcessID)
	}
}

func TestMemoryStore_Record_requiresKey(t *testing.T) {
	if err := NewMemoryStore().Record(context.Background(), model.ProcessInstanceRecord{}); err == nil {
		t.Error("expected error for record without key")
	}
}

func TestMemoryStore_Record_copiesVariables(t *testing.T) {
	s := NewMemoryStore()
	rec := testRecord("1", "a", "u", time.Now())
	s.Record(context.Background(), rec)
	rec.Variables["persona"] = "changed"

	got, _ := s.Get(context.Background(), "1")
	if got.Variables["persona"] != "Juan" {
		t.Errorf("stored variables were mutated: %v", got.Variables)
	}
}

func TestMemoryStore_List_filtersAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Record(ctx, testRecord("1", "recepcion-documento", "user-1", base))
	s.Record(ctx, testRecord("2", "recepcion-documento", "user-2", base.Add(time.Minute)))
	s.Record(ctx, testRecord("3", "otro", "user-1", base.Add(2*time.Minute)))

	all, total, err := s.List(ctx, model.InstanceFilters{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("List() = %d items, total %d, want 3/3", len(all), total)
	}
	if all[0].ProcessInstanceKey != "3" || all[2].ProcessInstanceKey != "1" {
		t.Errorf("order = %s,%s,%s, want newest first", all[0].ProcessInstanceKey, all[1].ProcessInstanceKey, all[2].ProcessInstanceKey)
	}

	byProcess, total, _ := s.List(ctx, model.InstanceFilters{BpmnProcessID: "recepcion-documento"})
	if total != 2 || len(byProcess) != 2 {
		t.Errorf("by process = %d/%d, want 2/2", len(byProcess), total)
	}

	bySubject, total, _ := s.List(ctx, model.InstanceFilters{SubjectID: "user-1", BpmnProcessID: "otro"})
	if total != 1 || bySubject[0].ProcessInstanceKey != "3" {
		t.Errorf("by subject+process = %+v", bySubject)
	}
}

func TestMemoryStore_List_pagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 25; i++ {
		s.Record(ctx, testRecord(fmt.Sprintf("%03d", i), "p", "u", base.Add(time.Duration(i)*time.Second)))
	}

	page1, total, _ := s.List(ctx, model.InstanceFilters{Page: 1, PageSize: 10})
	if total != 25 || len(page1) != 10 {
		t.Fatalf("page 1 = %d items, total %d", len(page1), total)
	}
	if page1[0].ProcessInstanceKey != "024" {
		t.Errorf("first item = %s, want 024", page1[0].ProcessInstanceKey)
	}

	page3, _, _ := s.List(ctx, model.InstanceFilters{Page: 3, PageSize: 10})
	if len(page3) != 5 {
		t.Errorf("page 3 = %d items, want 5", len(page3))
	}

	beyond, _, _ := s.List(ctx, model.InstanceFilters{Page: 9, PageSize: 10})
	if beyond == nil || len(beyond) != 0 {
		t.Errorf("page beyond end = %v, want empty slice", beyond)
	}

	defaults, _, _ := s.List(ctx, model.InstanceFilters{})
	if len(defaults) != DefaultPageSize {
		t.Errorf("default page size = %d, want %d", len(defaults), DefaultPageSize)
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantLimit, wantOff int
	}{
		{0, 0, DefaultPageSize, 0},
		{2, 10, 10, 10},
		{1, 1000, MaxPageSize, 0},
		{-3, 5, 5, 0},
	}
	for _, tt := range tests {
		limit, off := normalizePage(model.InstanceFilters{Page: tt.page, PageSize: tt.size})
		if limit != tt.wantLimit || off != tt.wantOff {
			t.Errorf("normalizePage(%d,%d) = %d,%d want %d,%d", tt.page, tt.size, limit, off, tt.wantLimit, tt.wantOff)
		}
	}
}

func TestOpen(t *testing.T) {
	store, closeFn, err := Open(context.Background(), config.LedgerConfig{Enabled: false})
	if err != nil || store != nil || closeFn == nil {
		t.Errorf("disabled ledger: store=%v err=%v", store, err)
	}

	store, closeFn, err = Open(context.Background(), config.LedgerConfig{Enabled: true, Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	defer closeFn()
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T, want *MemoryStore", store)
	}

	if _, _, err := Open(context.Background(), config.LedgerConfig{Enabled: true, Driver: "postgres", DSNEnv: "LEDGER_TEST_UNSET_DSN"}); err == nil {
		t.Error("expected error when the DSN variable is empty")
	}
	if _, _, err := Open(context.Background(), config.LedgerConfig{Enabled: true, Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
