package dconfig

import (
	"fmt"
	"sort"
	"sync"

	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/models"

	"github.com/iancoleman/orderedmap"
)

// PropertyChangeEvent reports one property update of a config bean.
type PropertyChangeEvent struct {
	Bean *Bean
	Name string
	Old  string
	New  string
}

// PropertyListener receives property updates. Implementations must be comparable.
type PropertyListener interface {
	PropertyChanged(ev PropertyChangeEvent)
}

// FuncPropertyListener adapts a function into a comparable PropertyListener.
type FuncPropertyListener struct {
	fn func(PropertyChangeEvent)
}

func NewFuncPropertyListener(fn func(PropertyChangeEvent)) *FuncPropertyListener {
	return &FuncPropertyListener{fn: fn}
}

func (f *FuncPropertyListener) PropertyChanged(ev PropertyChangeEvent) {
	f.fn(ev)
}

// tree is shared by every bean of one config bean root.
type tree struct {
	mu       sync.Mutex
	factory  *Factory
	ddRoot   *descriptor.Root
	registry *descriptor.Registry
}

/**
 * Server specific configuration bound to one descriptor bean
 * @description
 * - Required paths are fixed at creation and subscribed on the descriptor registry by the factory
 * - NotifyXpathEvent runs on the refresh goroutine and recomputes derived values before returning
 * - Derived values are the contents matched by each required path
 */
type Bean struct {
	t         *tree
	parent    *Bean
	dd        *descriptor.Bean
	xpath     string
	location  string
	required  []string
	patterns  []string
	props     *orderedmap.OrderedMap
	derived   map[string][]string
	children  []*Bean
	listeners []PropertyListener
	detached  bool
}

func (f *Factory) newBean(t *tree, parent *Bean, dd *descriptor.Bean, def BeanSchema) (*Bean, error) {
	props := make([]Property, 0, len(def.Properties))
	for _, k := range sortedKeys(def.Properties) {
		props = append(props, Property{Name: k, Value: def.Properties[k]})
	}
	return buildBean(t, parent, dd, def.Required, props)
}

func buildBean(t *tree, parent *Bean, dd *descriptor.Bean, required []string, props []Property) (*Bean, error) {
	b := &Bean{
		t:        t,
		parent:   parent,
		dd:       dd,
		xpath:    dd.XPath(),
		location: dd.Location(),
		required: append([]string(nil), required...),
		props:    orderedmap.New(),
		derived:  make(map[string][]string),
	}
	for _, p := range props {
		b.props.Set(p.Name, p.Value)
	}
	base, err := descriptor.ParsePath(b.xpath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	for _, rel := range b.required {
		rp, err := descriptor.ParsePath(rel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		p, err := base.Join(rp)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		b.patterns = append(b.patterns, p.String())
	}
	if err := b.subscribe(); err != nil {
		return nil, err
	}
	b.recomputeLocked()
	return b, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Bean) subscribe() error {
	if b.t.registry == nil {
		return nil
	}
	for i, p := range b.patterns {
		if err := b.t.registry.Subscribe(p, b); err != nil {
			for _, done := range b.patterns[:i] {
				b.t.registry.Unsubscribe(done, b)
			}
			return fmt.Errorf("%w: subscribe %s: %v", models.ErrConfiguration, p, err)
		}
	}
	return nil
}

func (b *Bean) unsubscribeTree() {
	for _, c := range b.children {
		c.unsubscribeTree()
	}
	b.detached = true
	if b.t.registry == nil {
		return
	}
	for _, p := range b.patterns {
		b.t.registry.Unsubscribe(p, b)
	}
}

/**
 * Descriptor bean this config bean is bound to
 * @returns {*descriptor.Bean} Bean of the current descriptor tree
 * @description
 * - After a refresh that fired no event for this bean, the binding moves to the bean at the same
 *   location in the new tree on first access
 */
func (b *Bean) DDBean() *descriptor.Bean {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if b.detached {
		return b.dd
	}
	if root := b.liveRoot(); root != nil && root != b.dd.Root() {
		if nd, ok := root.Lookup(b.location); ok && nd.XPath() == b.xpath {
			b.dd = nd
		}
	}
	return b.dd
}

// liveRoot is the deployable's current tree for the bound descriptor, nil for extra descriptor entries.
func (b *Bean) liveRoot() *descriptor.Root {
	d := b.t.ddRoot.Deployable()
	if d == nil {
		return nil
	}
	if r := d.DDBeanRoot(); r.Filename() == b.t.ddRoot.Filename() {
		return r
	}
	return nil
}

func (b *Bean) XPath() string { return b.xpath }

func (b *Bean) Location() string { return b.location }

// Required returns the relative paths declared at creation.
func (b *Bean) Required() []string {
	return append([]string(nil), b.required...)
}

// Patterns returns the absolute subscription patterns.
func (b *Bean) Patterns() []string {
	return append([]string(nil), b.patterns...)
}

func (b *Bean) Parent() (*Bean, bool) {
	return b.parent, b.parent != nil
}

func (b *Bean) Children() []*Bean {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return append([]*Bean(nil), b.children...)
}

// Detached reports whether the bean was removed from its tree.
func (b *Bean) Detached() bool {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return b.detached
}

func (b *Bean) Property(name string) (string, bool) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	v, ok := b.props.Get(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// PropertyNames returns property names in definition order.
func (b *Bean) PropertyNames() []string {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return b.props.Keys()
}

/**
 * Set a property value and notify property listeners
 * @param {string} name - Property name
 * @param {string} value - New value
 * @description
 * - Listeners run synchronously after the value is stored, only when the value changed
 */
func (b *Bean) SetProperty(name, value string) {
	b.t.mu.Lock()
	old := ""
	if v, ok := b.props.Get(name); ok {
		old = v.(string)
		if old == value {
			b.t.mu.Unlock()
			return
		}
	}
	b.props.Set(name, value)
	listeners := append([]PropertyListener(nil), b.listeners...)
	b.t.mu.Unlock()

	ev := PropertyChangeEvent{Bean: b, Name: name, Old: old, New: value}
	for _, l := range listeners {
		l.PropertyChanged(ev)
	}
}

func (b *Bean) AddPropertyListener(l PropertyListener) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	for _, existing := range b.listeners {
		if existing == l {
			return
		}
	}
	b.listeners = append(b.listeners, l)
}

func (b *Bean) RemovePropertyListener(l PropertyListener) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Derived returns the contents matched by one required path.
func (b *Bean) Derived(rel string) []string {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return append([]string(nil), b.derived[rel]...)
}

func (b *Bean) recomputeLocked() {
	derived := make(map[string][]string, len(b.required))
	for _, rel := range b.required {
		texts, err := b.dd.Text(rel)
		if err != nil {
			continue
		}
		derived[rel] = texts
	}
	b.derived = derived
}

func (b *Bean) accepts(dd *descriptor.Bean) bool {
	if !descriptor.WithinLocation(dd.Location(), b.location) || dd.Location() == b.location {
		return false
	}
	for _, p := range b.patterns {
		if descriptor.MustParsePath(p).Matches(dd) {
			return true
		}
	}
	return false
}

/**
 * Get or create the child config bean for a descriptor bean
 * @param {*descriptor.Bean} dd - Descriptor bean matched by one of this bean's required paths
 * @returns {(*Bean, error)} Child bean bound to dd
 * @throws
 * - models.ErrConfiguration when dd is not addressed by a required path or its path has no config bean
 */
func (b *Bean) ChildFor(dd *descriptor.Bean) (*Bean, error) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if b.detached {
		return nil, fmt.Errorf("%w: bean %s was removed", models.ErrIllegalState, b.location)
	}
	if !b.accepts(dd) {
		return nil, fmt.Errorf("%w: %s is not required by %s", models.ErrConfiguration, dd.Location(), b.location)
	}
	for _, c := range b.children {
		if c.location == dd.Location() {
			return c, nil
		}
	}
	def, ok := b.t.factory.definition(b.t.ddRoot.ModuleType(), dd.XPath())
	if !ok {
		return nil, fmt.Errorf("%w: no config bean for %s", models.ErrConfiguration, dd.XPath())
	}
	c, err := b.t.factory.newBean(b.t, b, dd, def)
	if err != nil {
		return nil, err
	}
	b.children = append(b.children, c)
	return c, nil
}

/**
 * Remove a child config bean
 * @param {*Bean} child - Direct child of this bean
 * @returns {error} models.ErrBeanNotFound when child is not a current child
 * @description
 * - Unsubscribes the whole removed subtree
 */
func (b *Bean) RemoveChild(child *Bean) error {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	for i, c := range b.children {
		if c == child {
			b.children = append(b.children[:i:i], b.children[i+1:]...)
			c.unsubscribeTree()
			return nil
		}
	}
	return models.ErrBeanNotFound
}

func (b *Bean) currentRoot(ev descriptor.Event) *descriptor.Root {
	if r := b.liveRoot(); r != nil {
		return r
	}
	if ev.Kind != descriptor.EventRemoved {
		return ev.Bean.Root()
	}
	return b.dd.Root()
}

// NotifyXpathEvent implements descriptor.Listener.
func (b *Bean) NotifyXpathEvent(ev descriptor.Event) {
	b.NotifyDDChange(ev)
}

/**
 * Apply a descriptor change to this bean
 * @param {descriptor.Event} ev - Event for one of the required paths
 * @description
 * - Events outside the bound bean's location are ignored
 * - Rebinds to the bean at the same location in the new tree
 * - Children whose descriptor bean disappeared are removed
 * - Derived values are recomputed before returning
 */
func (b *Bean) NotifyDDChange(ev descriptor.Event) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if b.detached || !descriptor.WithinLocation(ev.Bean.Location(), b.location) {
		return
	}
	root := b.currentRoot(ev)
	if nd, ok := root.Lookup(b.location); ok && nd.XPath() == b.xpath {
		b.dd = nd
	}
	if ev.Kind == descriptor.EventRemoved {
		kept := b.children[:0:0]
		for _, c := range b.children {
			if _, ok := root.Lookup(c.location); !ok && descriptor.WithinLocation(c.location, ev.Bean.Location()) {
				c.unsubscribeTree()
				continue
			}
			kept = append(kept, c)
		}
		b.children = kept
	}
	b.recomputeLocked()
}
