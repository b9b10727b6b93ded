package services

import (
	"fmt"
	"sort"

	"deploy-keeper/internal/models"
)

/**
 * Identifier of a module deployed on a target
 * @description
 * - Immutable once built, rebuilt from the module store after every operation
 * - Parent is absent for root modules
 * - Children keep the order of the module's archive
 */
type TargetModuleID struct {
	target     models.Target
	id         string
	parent     *TargetModuleID
	children   []*TargetModuleID
	webURL     string
	moduleType models.ModuleType
	running    bool
}

func (m *TargetModuleID) Target() models.Target { return m.target }

func (m *TargetModuleID) ModuleID() string { return m.id }

// Parent returns the enclosing module, false for root modules.
func (m *TargetModuleID) Parent() (*TargetModuleID, bool) {
	return m.parent, m.parent != nil
}

func (m *TargetModuleID) Children() []*TargetModuleID {
	out := make([]*TargetModuleID, len(m.children))
	copy(out, m.children)
	return out
}

func (m *TargetModuleID) WebURL() (string, bool) {
	return m.webURL, m.webURL != ""
}

func (m *TargetModuleID) ModuleType() models.ModuleType { return m.moduleType }

func (m *TargetModuleID) IsRoot() bool { return m.parent == nil }

func (m *TargetModuleID) Running() bool { return m.running }

func (m *TargetModuleID) String() string {
	return m.target.Name + "/" + m.id
}

func (m *TargetModuleID) Ref() models.ModuleRef {
	return models.ModuleRef{Target: m.target.Name, ModuleID: m.id}
}

// Walk visits the module and its descendants depth first, parents before children.
func (m *TargetModuleID) Walk(fn func(*TargetModuleID)) {
	fn(m)
	for _, c := range m.children {
		c.Walk(fn)
	}
}

func (m *TargetModuleID) Detail() models.ModuleDetail {
	d := models.ModuleDetail{
		Target:   m.target.Name,
		ModuleID: m.id,
		Type:     m.moduleType,
		WebURL:   m.webURL,
		Running:  m.running,
	}
	if m.parent != nil {
		d.ParentID = m.parent.id
	}
	for _, c := range m.children {
		d.Children = append(d.Children, c.Detail())
	}
	return d
}

type moduleKey struct {
	target string
	id     string
}

/**
 * Forest of module identifiers across targets
 * @description
 * - Built from store records, no mutation API
 * - Roots are ordered by target then id
 */
type ModuleTree struct {
	roots []*TargetModuleID
	index map[moduleKey]*TargetModuleID
}

/**
 * Build a module tree from store records
 * @param {[]models.ModuleRecord} records - Records as returned by the module store
 * @param {map[string]models.Target} targets - Known targets by name
 * @returns {*ModuleTree} Module forest
 * @description
 * - Records of unknown targets get a target with an empty description
 * - Records whose parent is missing are dropped together with their subtree
 */
func BuildModuleTree(records []models.ModuleRecord, targets map[string]models.Target) *ModuleTree {
	sorted := make([]models.ModuleRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Target != sorted[j].Target {
			return sorted[i].Target < sorted[j].Target
		}
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].ModuleID < sorted[j].ModuleID
	})

	nodes := make(map[moduleKey]*TargetModuleID, len(sorted))
	for _, r := range sorted {
		t, ok := targets[r.Target]
		if !ok {
			t = models.Target{Name: r.Target}
		}
		nodes[moduleKey{r.Target, r.ModuleID}] = &TargetModuleID{
			target:     t,
			id:         r.ModuleID,
			webURL:     r.WebURL,
			moduleType: r.Type,
			running:    r.Running,
		}
	}

	tree := &ModuleTree{index: make(map[moduleKey]*TargetModuleID, len(nodes))}
	for _, r := range sorted {
		n := nodes[moduleKey{r.Target, r.ModuleID}]
		if r.IsRoot() {
			tree.roots = append(tree.roots, n)
			continue
		}
		parent, ok := nodes[moduleKey{r.Target, r.ParentID}]
		if !ok || parent == n {
			continue
		}
		n.parent = parent
		parent.children = append(parent.children, n)
	}
	sort.SliceStable(tree.roots, func(i, j int) bool {
		if tree.roots[i].target.Name != tree.roots[j].target.Name {
			return tree.roots[i].target.Name < tree.roots[j].target.Name
		}
		return tree.roots[i].id < tree.roots[j].id
	})
	// 只索引从根可达的节点，孤立记录不可见
	for _, root := range tree.roots {
		root.Walk(func(m *TargetModuleID) {
			tree.index[moduleKey{m.target.Name, m.id}] = m
		})
	}
	return tree
}

func (t *ModuleTree) Roots() []*TargetModuleID {
	out := make([]*TargetModuleID, len(t.roots))
	copy(out, t.roots)
	return out
}

/**
 * Resolve a module by target and id
 * @returns {(*TargetModuleID, error)} Module, models.ErrModuleNotFound when absent
 */
func (t *ModuleTree) Lookup(target, id string) (*TargetModuleID, error) {
	m, ok := t.index[moduleKey{target, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrModuleNotFound, target, id)
	}
	return m, nil
}

// Modules returns every module, parents before children.
func (t *ModuleTree) Modules() []*TargetModuleID {
	var out []*TargetModuleID
	for _, r := range t.roots {
		r.Walk(func(m *TargetModuleID) { out = append(out, m) })
	}
	return out
}
