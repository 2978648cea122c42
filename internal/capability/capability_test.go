package capability

import (
	"testing"
	"time"

	"github.com/acme/expediente/model"
)

func testRctx(authorities ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:   "user-1",
		Authorities: authorities,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx("SCOPE_acme.facultad"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has(model.CapProcessStart) {
		t.Error("SCOPE_acme.facultad should have process:start")
	}
	if caps.Has(model.CapProcessDeploy) {
		t.Error("SCOPE_acme.facultad should not have process:deploy")
	}
}

func TestStaticPolicyEvaluator_MultipleAuthorities(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("SCOPE_acme.facultad", "SCOPE_acme.consulta"))

	if !caps.Has(model.CapProcessStart) || !caps.Has(model.CapProcessRead) {
		t.Errorf("combined authorities should grant start and read, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")

	admin, _ := e.ResolveCapabilities(testRctx("ROLE_ADMINLEGO"))
	if !admin.Has(model.CapProcessDeploy) {
		t.Error("ROLE_ADMINLEGO with * should match process:deploy")
	}

	operator, _ := e.ResolveCapabilities(testRctx("ROLE_OPERADOR"))
	if !operator.Has(model.CapProcessStart) {
		t.Error("ROLE_OPERADOR with process:* should match process:start")
	}
	if operator.Has("documents:delete") {
		t.Error("process:* should not match documents:delete")
	}
}

func TestStaticPolicyEvaluator_UnknownAuthority(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("ROLE_NOBODY"))

	if len(caps) != 0 {
		t.Errorf("unknown authority should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_NoAuthorities(t *testing.T) {
	e := NewPolicyEvaluator(DefaultPolicy("acme.facultad", "ADMINLEGO"))
	caps, err := e.ResolveCapabilities(testRctx())
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	if caps.Has(model.CapProcessStart) {
		t.Error("caller without authorities must not be able to start processes")
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	_, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestDefaultPolicy(t *testing.T) {
	e := NewPolicyEvaluator(DefaultPolicy("acme.facultad", "ADMINLEGO"))

	tests := []struct {
		name        string
		authorities []string
		cap         string
		want        bool
	}{
		{"scope can start", []string{"SCOPE_acme.facultad"}, model.CapProcessStart, true},
		{"scope can read", []string{"SCOPE_acme.facultad"}, model.CapProcessRead, true},
		{"scope cannot deploy", []string{"SCOPE_acme.facultad"}, model.CapProcessDeploy, false},
		{"admin can start", []string{"ROLE_ADMINLEGO"}, model.CapProcessStart, true},
		{"admin can deploy", []string{"ROLE_ADMINLEGO"}, model.CapProcessDeploy, true},
		{"both", []string{"SCOPE_acme.facultad", "ROLE_ADMINLEGO"}, model.CapProcessStart, true},
		{"other scope", []string{"SCOPE_acme.otra"}, model.CapProcessStart, false},
		{"bare role name", []string{"ADMINLEGO"}, model.CapProcessStart, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, _ := e.ResolveCapabilities(testRctx(tt.authorities...))
			if got := caps.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	obs := &countingObserver{}
	r := NewResolver(e, 5*time.Minute).WithObserver(obs)

	rctx := testRctx("SCOPE_acme.facultad")

	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has(model.CapProcessStart) {
		t.Error("should have process:start")
	}

	caps2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps2.Has(model.CapProcessStart) {
		t.Error("cached result should have process:start")
	}
	if obs.hits != 1 || obs.misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", obs.hits, obs.misses)
	}
}

func TestResolver_DifferentAuthoritiesNotShared(t *testing.T) {
	e := NewPolicyEvaluator(DefaultPolicy("acme.facultad", "ADMINLEGO"))
	r := NewResolver(e, 5*time.Minute)

	if caps, _ := r.Resolve(testRctx("SCOPE_acme.facultad")); caps.Has(model.CapProcessDeploy) {
		t.Fatal("scope-only token should not deploy")
	}
	if caps, _ := r.Resolve(testRctx("ROLE_ADMINLEGO")); !caps.Has(model.CapProcessDeploy) {
		t.Fatal("admin token for the same subject must not reuse the scope-only cache entry")
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapProcessStart: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx("SCOPE_acme.facultad")

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1", callCount)
	}

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapProcessStart: true}, nil
		},
	}
	r := NewResolver(mock, 1*time.Millisecond)
	rctx := testRctx()

	r.Resolve(rctx)
	time.Sleep(5 * time.Millisecond)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) RecordCapabilityCacheHit()  { o.hits++ }
func (o *countingObserver) RecordCapabilityCacheMiss() { o.misses++ }
