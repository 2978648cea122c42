package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/acme/expediente/model"
)

// Policy maps authorities (e.g. "SCOPE_acme.facultad", "ROLE_ADMINLEGO") to
// the capabilities they grant.
type Policy struct {
	Authorities map[string][]string `yaml:"authorities"`
}

// DefaultPolicy returns the built-in policy: the required scope may start
// processes and read the ledger, the administrative role may do everything.
// Empty arguments are skipped.
func DefaultPolicy(requiredScope, adminRole string) Policy {
	p := Policy{Authorities: make(map[string][]string)}
	if requiredScope != "" {
		p.Authorities[model.ScopePrefix+requiredScope] = []string{
			model.CapProcessStart,
			model.CapProcessRead,
		}
	}
	if adminRole != "" {
		p.Authorities[model.RolePrefix+adminRole] = []string{"*"}
	}
	return p
}

// StaticPolicyEvaluator resolves capabilities from a fixed policy, optionally
// loaded from a YAML file.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy Policy
}

// NewStaticPolicyEvaluator creates an evaluator that loads its policy from
// path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewPolicyEvaluator creates an evaluator over an in-memory policy.
func NewPolicyEvaluator(p Policy) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: p}
}

// ResolveCapabilities returns the union of capabilities for all authorities
// in the request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, authority := range rctx.Authorities {
		for _, cap := range e.policy.Authorities[authority] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk. It is a no-op for in-memory
// policies.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
