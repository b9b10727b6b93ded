package descriptor

// EventKind tags a descriptor change.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventChanged EventKind = "changed"
)

// TextProperty names the content change inside PropertyChange.
const TextProperty = "#text"

// PropertyChange is one attribute or text delta of a changed bean.
type PropertyChange struct {
	Name string
	Old  string
	New  string
}

/**
 * Change of one descriptor bean between two parses
 * @property {EventKind} kind - added/removed/changed
 * @property {*Bean} bean - New bean for added/changed, old bean for removed
 * @property {*Bean} old - Previous bean for changed events
 * @property {[]PropertyChange} changes - Attribute and text deltas for changed events
 */
type Event struct {
	Kind    EventKind
	Bean    *Bean
	Old     *Bean
	Changes []PropertyChange
}

func collect(root *Root) (map[string]*Bean, []*Bean) {
	index := make(map[string]*Bean)
	var order []*Bean
	if root == nil {
		return index, order
	}
	root.Walk(func(b *Bean) {
		if b.parent == nil {
			return
		}
		index[b.location] = b
		order = append(order, b)
	})
	return index, order
}

/**
 * Compare two parses of the same descriptor
 * @param {*Root} old - Previous tree, nil for the first parse
 * @param {*Root} cur - New tree
 * @returns {[]Event} Removed events in old document order, then added and changed in new document order
 * @description
 * - Beans are keyed by location, so a bean is identified by path and sibling position
 * - Content, attributes and id are compared, children are diffed on their own
 */
func Diff(old, cur *Root) []Event {
	oldIndex, oldOrder := collect(old)
	newIndex, newOrder := collect(cur)

	var events []Event
	for _, b := range oldOrder {
		if _, ok := newIndex[b.location]; !ok {
			events = append(events, Event{Kind: EventRemoved, Bean: b})
		}
	}
	for _, b := range newOrder {
		prev, ok := oldIndex[b.location]
		if !ok {
			events = append(events, Event{Kind: EventAdded, Bean: b})
			continue
		}
		if changes := compareBeans(prev, b); len(changes) > 0 {
			events = append(events, Event{Kind: EventChanged, Bean: b, Old: prev, Changes: changes})
		}
	}
	return events
}

func compareBeans(a, b *Bean) []PropertyChange {
	var changes []PropertyChange
	if a.text != b.text {
		changes = append(changes, PropertyChange{Name: TextProperty, Old: a.text, New: b.text})
	}
	for _, k := range a.attrs.Keys() {
		ov, _ := a.Attribute(k)
		nv, ok := b.Attribute(k)
		if !ok || nv != ov {
			changes = append(changes, PropertyChange{Name: k, Old: ov, New: nv})
		}
	}
	for _, k := range b.attrs.Keys() {
		if _, ok := a.attrs.Get(k); !ok {
			nv, _ := b.Attribute(k)
			changes = append(changes, PropertyChange{Name: k, New: nv})
		}
	}
	return changes
}
