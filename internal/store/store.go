// Package store is the in-memory cache of service definitions, service
// instances and routing rules that every request consults.
package store

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/rules"
)

const prefixCacheSize = 4096

// ruleIndex is immutable after construction. Writers build a new one and
// swap the pointer; readers load it once per lookup.
type ruleIndex struct {
	version   uint64
	all       []*rules.Rule
	byID      map[string]*rules.Rule
	byPath    map[string]*rules.Rule
	byService map[string][]*rules.Rule

	// prefixCache memoizes prefix resolution, including misses (nil).
	prefixCache *lru.Cache[string, *rules.Rule]
}

func pathKey(serviceID, path string) string {
	return serviceID + "." + path
}

func newRuleIndex(version uint64, list []*rules.Rule) *ruleIndex {
	idx := &ruleIndex{
		version:   version,
		byID:      make(map[string]*rules.Rule, len(list)),
		byPath:    make(map[string]*rules.Rule),
		byService: make(map[string][]*rules.Rule),
	}
	idx.prefixCache, _ = lru.New[string, *rules.Rule](prefixCacheSize)

	for _, r := range list {
		if r == nil {
			continue
		}
		// later duplicates replace earlier ones
		if old, ok := idx.byID[r.ID]; ok {
			idx.remove(old)
		}
		idx.byID[r.ID] = r
		idx.byService[r.ServiceID] = append(idx.byService[r.ServiceID], r)
	}

	for _, list := range idx.byService {
		sort.SliceStable(list, func(a, b int) bool { return list[a].Less(list[b]) })
	}
	// Paths are claimed in rule order so the lowest order wins a collision.
	idx.all = make([]*rules.Rule, 0, len(idx.byID))
	for _, r := range idx.byID {
		idx.all = append(idx.all, r)
	}
	sort.SliceStable(idx.all, func(a, b int) bool { return idx.all[a].Less(idx.all[b]) })
	for _, r := range idx.all {
		for _, p := range r.Paths {
			key := pathKey(r.ServiceID, p)
			if _, taken := idx.byPath[key]; !taken {
				idx.byPath[key] = r
			}
		}
	}
	return idx
}

func (idx *ruleIndex) remove(r *rules.Rule) {
	list := idx.byService[r.ServiceID]
	for i, existing := range list {
		if existing == r {
			idx.byService[r.ServiceID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Store is safe for concurrent use. Rule reads are lock free; definition
// and instance reads take a read lock.
type Store struct {
	index   atomic.Pointer[ruleIndex]
	version atomic.Uint64
	writeMu sync.Mutex // serializes rule index rebuilds

	defsMu sync.RWMutex
	defs   map[string]*registry.ServiceDefinition

	instMu    sync.RWMutex
	instances map[string]map[string]*registry.ServiceInstance
	sorted    map[string][]*registry.ServiceInstance
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		defs:      make(map[string]*registry.ServiceDefinition),
		instances: make(map[string]map[string]*registry.ServiceInstance),
		sorted:    make(map[string][]*registry.ServiceInstance),
	}
	s.index.Store(newRuleIndex(0, nil))
	return s
}

// --- service definitions ---

// PutServiceDefinition stores or replaces def.
func (s *Store) PutServiceDefinition(def *registry.ServiceDefinition) {
	if def == nil {
		return
	}
	d := *def
	s.defsMu.Lock()
	s.defs[d.UniqueID] = &d
	s.defsMu.Unlock()
}

// ServiceDefinition returns the definition for uniqueID.
func (s *Store) ServiceDefinition(uniqueID string) (*registry.ServiceDefinition, bool) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()
	d, ok := s.defs[uniqueID]
	return d, ok
}

// RemoveServiceDefinition deletes the definition for uniqueID.
func (s *Store) RemoveServiceDefinition(uniqueID string) {
	s.defsMu.Lock()
	delete(s.defs, uniqueID)
	s.defsMu.Unlock()
}

// ServiceDefinitions returns all definitions sorted by unique id.
func (s *Store) ServiceDefinitions() []*registry.ServiceDefinition {
	s.defsMu.RLock()
	out := make([]*registry.ServiceDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	s.defsMu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].UniqueID < out[b].UniqueID })
	return out
}

// MatchServiceDefinition finds the first enabled definition, by unique id,
// whose PatternPath glob matches path.
func (s *Store) MatchServiceDefinition(path string) (*registry.ServiceDefinition, bool) {
	for _, d := range s.ServiceDefinitions() {
		if !d.Enabled() || d.PatternPath == "" {
			continue
		}
		if ok, _ := doublestar.Match(d.PatternPath, path); ok {
			return d, true
		}
	}
	return nil, false
}

// --- service instances ---

// AddServiceInstance adds or replaces one instance by instance id.
func (s *Store) AddServiceInstance(uniqueID string, inst *registry.ServiceInstance) {
	if inst == nil {
		return
	}
	i := *inst
	s.instMu.Lock()
	defer s.instMu.Unlock()
	set, ok := s.instances[uniqueID]
	if !ok {
		set = make(map[string]*registry.ServiceInstance)
		s.instances[uniqueID] = set
	}
	set[i.InstanceID] = &i
	s.resortLocked(uniqueID)
}

// UpdateServiceInstance replaces an existing instance; unknown instances
// are added.
func (s *Store) UpdateServiceInstance(uniqueID string, inst *registry.ServiceInstance) {
	s.AddServiceInstance(uniqueID, inst)
}

// RemoveServiceInstance deletes one instance.
func (s *Store) RemoveServiceInstance(uniqueID, instanceID string) {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	set, ok := s.instances[uniqueID]
	if !ok {
		return
	}
	delete(set, instanceID)
	s.resortLocked(uniqueID)
}

// ReplaceServiceInstances swaps the whole instance set of uniqueID.
func (s *Store) ReplaceServiceInstances(uniqueID string, insts []*registry.ServiceInstance) {
	set := make(map[string]*registry.ServiceInstance, len(insts))
	for _, inst := range insts {
		if inst == nil {
			continue
		}
		i := *inst
		set[i.InstanceID] = &i
	}
	s.instMu.Lock()
	defer s.instMu.Unlock()
	s.instances[uniqueID] = set
	s.resortLocked(uniqueID)
}

// RemoveServiceInstances drops every instance of uniqueID.
func (s *Store) RemoveServiceInstances(uniqueID string) {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	delete(s.instances, uniqueID)
	delete(s.sorted, uniqueID)
}

func (s *Store) resortLocked(uniqueID string) {
	set := s.instances[uniqueID]
	list := make([]*registry.ServiceInstance, 0, len(set))
	for _, inst := range set {
		list = append(list, inst)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].InstanceID < list[b].InstanceID })
	s.sorted[uniqueID] = list
}

// ServiceInstances returns the instances of uniqueID ordered by instance
// id, restricted to gray instances when gray is set. The result is never
// nil and must not be modified.
func (s *Store) ServiceInstances(uniqueID string, gray bool) []*registry.ServiceInstance {
	s.instMu.RLock()
	list := s.sorted[uniqueID]
	s.instMu.RUnlock()

	if list == nil {
		return []*registry.ServiceInstance{}
	}
	if !gray {
		return list
	}
	out := make([]*registry.ServiceInstance, 0, len(list))
	for _, inst := range list {
		if inst.Gray {
			out = append(out, inst)
		}
	}
	return out
}

// OnServiceChange applies a registry snapshot for one service.
func (s *Store) OnServiceChange(def *registry.ServiceDefinition, insts []*registry.ServiceInstance) {
	if def == nil {
		return
	}
	s.PutServiceDefinition(def)
	s.ReplaceServiceInstances(def.UniqueID, insts)
}

// --- rules ---

// PutAllRules replaces the rule set. Readers observe either the previous
// index or the new one, never a mix.
func (s *Store) PutAllRules(list []*rules.Rule) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.index.Store(newRuleIndex(s.version.Add(1), list))
}

// OnRulesChange applies a config center push.
func (s *Store) OnRulesChange(list []*rules.Rule) {
	s.PutAllRules(list)
}

// PutRule adds or replaces one rule through a full rebuild.
func (s *Store) PutRule(r *rules.Rule) {
	if r == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.index.Load()
	next := make([]*rules.Rule, 0, len(cur.all)+1)
	for _, existing := range cur.all {
		if existing.ID != r.ID {
			next = append(next, existing)
		}
	}
	next = append(next, r)
	s.index.Store(newRuleIndex(s.version.Add(1), next))
}

// RemoveRule deletes one rule through a full rebuild.
func (s *Store) RemoveRule(id string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.index.Load()
	if _, ok := cur.byID[id]; !ok {
		return
	}
	next := make([]*rules.Rule, 0, len(cur.all))
	for _, existing := range cur.all {
		if existing.ID != id {
			next = append(next, existing)
		}
	}
	s.index.Store(newRuleIndex(s.version.Add(1), next))
}

// RulesVersion increments on every rule index swap.
func (s *Store) RulesVersion() uint64 {
	return s.index.Load().version
}

// Rule returns the rule with id.
func (s *Store) Rule(id string) (*rules.Rule, bool) {
	r, ok := s.index.Load().byID[id]
	return r, ok
}

// RuleByPath returns the rule that lists path explicitly for serviceID.
func (s *Store) RuleByPath(serviceID, path string) (*rules.Rule, bool) {
	r, ok := s.index.Load().byPath[pathKey(serviceID, path)]
	return r, ok
}

// RulesByService returns the rules of serviceID ordered by order then id.
// The result is never nil and must not be modified.
func (s *Store) RulesByService(serviceID string) []*rules.Rule {
	list := s.index.Load().byService[serviceID]
	if list == nil {
		return []*rules.Rule{}
	}
	return list
}

// Rules returns every rule ordered by order then id, all from one index.
func (s *Store) Rules() []*rules.Rule {
	return s.index.Load().all
}

// MatchRule selects the rule for a request. An exact path entry wins;
// otherwise the first prefix rule of the service in (order, id) order.
func (s *Store) MatchRule(serviceID, path string) (*rules.Rule, bool) {
	idx := s.index.Load()
	key := pathKey(serviceID, path)
	if r, ok := idx.byPath[key]; ok {
		return r, true
	}

	if r, ok := idx.prefixCache.Get(key); ok {
		return r, r != nil
	}

	var match *rules.Rule
	for _, r := range idx.byService[serviceID] {
		if r.Prefix != "" && strings.HasPrefix(path, r.Prefix) {
			match = r
			break
		}
	}
	idx.prefixCache.Add(key, match)
	return match, match != nil
}
