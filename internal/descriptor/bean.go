package descriptor

import (
	"strconv"
	"strings"

	"deploy-keeper/internal/models"

	"github.com/iancoleman/orderedmap"
)

/**
 * Node of a parsed deployment descriptor
 * @description
 * - Immutable once parsed, a refresh builds a new tree
 * - XPath() is the positionless path from "/" (e.g. /web-app/servlet)
 * - Location() adds sibling positions (e.g. /web-app[1]/servlet[2]) and is unique per tree
 */
type Bean struct {
	name     string
	xpath    string
	location string
	index    int
	text     string
	attrs    *orderedmap.OrderedMap
	children []*Bean
	parent   *Bean
	root     *Root
}

// Name is the element local name, empty for the document node.
func (b *Bean) Name() string { return b.name }

func (b *Bean) XPath() string { return b.xpath }

func (b *Bean) Location() string { return b.location }

// Index is the 1-based position among same-named siblings.
func (b *Bean) Index() int { return b.index }

// Content returns the element's own character data, trimmed.
func (b *Bean) Content() string { return b.text }

// ID returns the tool specific id attribute.
func (b *Bean) ID() (string, bool) {
	return b.Attribute("id")
}

func (b *Bean) Attribute(name string) (string, bool) {
	v, ok := b.attrs.Get(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// AttributeNames returns attribute names in document order.
func (b *Bean) AttributeNames() []string {
	return b.attrs.Keys()
}

// Attributes returns a copy of the attribute map in document order.
func (b *Bean) Attributes() *orderedmap.OrderedMap {
	out := orderedmap.New()
	for _, k := range b.attrs.Keys() {
		v, _ := b.attrs.Get(k)
		out.Set(k, v)
	}
	return out
}

func (b *Bean) Children() []*Bean {
	out := make([]*Bean, len(b.children))
	copy(out, b.children)
	return out
}

func (b *Bean) Parent() (*Bean, bool) {
	return b.parent, b.parent != nil
}

func (b *Bean) Root() *Root { return b.root }

/**
 * Resolve an xpath relative to this bean
 * @param {string} xpath - Path expression, absolute when it starts with "/"
 * @returns {([]*Bean, error)} Matched beans in document order
 * @description
 * - A valid path that matches nothing returns an empty slice and nil
 * - Syntax errors return models.ErrInvalidXpath
 * @example
 * servlets, err := root.ChildBeans("web-app/servlet")
 * names, err := servlet.ChildBeans("../servlet-mapping[@id='m1']/url-pattern")
 */
func (b *Bean) ChildBeans(xpath string) ([]*Bean, error) {
	p, err := ParsePath(xpath)
	if err != nil {
		return nil, err
	}
	return p.Select(b), nil
}

// Text resolves xpath like ChildBeans and returns the content of each match.
func (b *Bean) Text(xpath string) ([]string, error) {
	beans, err := b.ChildBeans(xpath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(beans))
	for _, c := range beans {
		out = append(out, c.text)
	}
	return out, nil
}

// Walk visits the bean and its descendants in document order.
func (b *Bean) Walk(fn func(*Bean)) {
	fn(b)
	for _, c := range b.children {
		c.Walk(fn)
	}
}

func (b *Bean) String() string {
	return b.location
}

/**
 * Document node of a parsed descriptor
 * @description
 * - XPath() and Location() are "/", the document element is its only child
 * - Version is the document element's version attribute
 */
type Root struct {
	Bean
	moduleType models.ModuleType
	version    string
	filename   string
	owner      *Deployable
}

func (r *Root) ModuleType() models.ModuleType { return r.moduleType }

func (r *Root) Version() string { return r.version }

func (r *Root) Filename() string { return r.filename }

// Deployable returns the owning deployable, nil for a standalone parse.
func (r *Root) Deployable() *Deployable { return r.owner }

// DocumentElement returns the top level element.
func (r *Root) DocumentElement() (*Bean, bool) {
	if len(r.children) == 0 {
		return nil, false
	}
	return r.children[0], true
}

// Lookup finds a bean by its location.
func (r *Root) Lookup(location string) (*Bean, bool) {
	var found *Bean
	r.Walk(func(b *Bean) {
		if found == nil && b.location == location {
			found = b
		}
	})
	return found, found != nil
}

func childLocation(parent, name string, index int) string {
	prefix := parent
	if prefix == "/" {
		prefix = ""
	}
	return prefix + "/" + name + "[" + strconv.Itoa(index) + "]"
}

func childXPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// WithinLocation reports whether location equals prefix or lies below it.
func WithinLocation(location, prefix string) bool {
	if prefix == "/" || location == prefix {
		return true
	}
	return strings.HasPrefix(location, prefix+"/")
}
