package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry loads scenario YAML files from a directory and provides
// round-robin assignment for outbound contacts and inbound calls.
type Registry struct {
	mu       sync.Mutex
	all      map[string]*Scenario
	enabled  []string
	outCur   int
	inCur    int
	company  string
}

// NewRegistry loads every *.yaml/*.yml file under dir. Files for a
// different company (when Scenario.Company is set and doesn't match)
// are skipped, matching the original's company-scoped load filter.
func NewRegistry(dir, company string) (*Registry, error) {
	r := &Registry{
		all:     make(map[string]*Scenario),
		company: strings.ToLower(strings.TrimSpace(company)),
	}
	if err := r.loadAll(dir); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadAll(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read scenarios dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read scenario %s: %w", path, err)
		}
		var sc Scenario
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("parse scenario %s: %w", path, err)
		}
		if sc.Name == "" {
			sc.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		scenarioCompany := strings.ToLower(strings.TrimSpace(sc.Company))
		if r.company != "" && scenarioCompany != "" && scenarioCompany != r.company {
			continue
		}

		r.all[sc.Name] = &sc
		r.enabled = append(r.enabled, sc.Name)
	}
	return nil
}

// Get returns the named scenario, if loaded.
func (r *Registry) Get(name string) (*Scenario, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.all[name]
	return sc, ok
}

// Names returns every loaded scenario name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.all))
	for name := range r.all {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetEnabled updates the active set from the panel's last batch,
// intersected with the locally loaded scenarios. Resets both
// round-robin cursors, matching the original's behaviour on roster
// change.
func (r *Registry) SetEnabled(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var valid []string
	for _, n := range names {
		if _, ok := r.all[n]; ok {
			valid = append(valid, n)
		}
	}
	if len(valid) > 0 {
		r.enabled = valid
		r.outCur = 0
		r.inCur = 0
	}
}

// NextScenario round-robins over the enabled set for outbound
// contacts.
func (r *Registry) NextScenario() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.enabled) == 0 {
		return "", false
	}
	name := r.enabled[r.outCur%len(r.enabled)]
	r.outCur = (r.outCur + 1) % len(r.enabled)
	return name, true
}

// NextInboundScenario round-robins over the subset of the enabled set
// that declares an inbound_flow; returns false if none do (callers
// fall back to a direct-to-agent default).
func (r *Registry) NextInboundScenario() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []string
	for _, n := range r.enabled {
		if sc, ok := r.all[n]; ok && sc.HasInboundFlow() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	name := candidates[r.inCur%len(candidates)]
	r.inCur = (r.inCur + 1) % len(candidates)
	return name, true
}
