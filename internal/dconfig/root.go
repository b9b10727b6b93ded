package dconfig

import (
	"fmt"
	"io"

	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/models"

	"github.com/beevik/etree"
)

// Property is one named config bean value.
type Property struct {
	Name  string
	Value string
}

// Snapshot is a comparable copy of a config bean subtree.
type Snapshot struct {
	XPath      string
	Location   string
	Required   []string
	Properties []Property
	Children   []Snapshot
}

// Snapshot copies the bean subtree.
func (b *Bean) Snapshot() Snapshot {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bean) snapshotLocked() Snapshot {
	s := Snapshot{
		XPath:      b.xpath,
		Location:   b.location,
		Required:   append([]string{}, b.required...),
		Properties: make([]Property, 0, len(b.props.Keys())),
		Children:   make([]Snapshot, 0, len(b.children)),
	}
	for _, k := range b.props.Keys() {
		v, _ := b.props.Get(k)
		s.Properties = append(s.Properties, Property{Name: k, Value: v.(string)})
	}
	for _, c := range b.children {
		s.Children = append(s.Children, c.snapshotLocked())
	}
	return s
}

/**
 * Root of a config bean tree, bound to a descriptor document node
 * @description
 * - Created by Factory.NewRoot or Factory.Restore
 * - Close unsubscribes every bean of the tree
 */
type Root struct {
	*Bean
	version models.ConfigBeanVersion
}

func (r *Root) DDBeanRoot() *descriptor.Root { return r.t.ddRoot }

func (r *Root) Version() models.ConfigBeanVersion { return r.version }

func (r *Root) Close() {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.unsubscribeTree()
}

func (f *Factory) newTree(ddRoot *descriptor.Root) *tree {
	t := &tree{factory: f, ddRoot: ddRoot}
	if d := ddRoot.Deployable(); d != nil && ddRoot.Filename() == ddRoot.ModuleType().DescriptorName() {
		t.registry = d.Registry()
	}
	return t
}

/**
 * Create the config bean root for a descriptor
 * @param {*descriptor.Root} ddRoot - Parsed descriptor
 * @param {models.ConfigBeanVersion} version - Config bean version to generate
 * @returns {(*Root, error)} Root bean with the schema's required paths subscribed
 * @throws
 * - models.ErrConfigBeanVersionUnsupported for unsupported versions
 * - models.ErrConfiguration when no schema covers the module type
 */
func (f *Factory) NewRoot(ddRoot *descriptor.Root, version models.ConfigBeanVersion) (*Root, error) {
	if !f.SupportsVersion(version) {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigBeanVersionUnsupported, version)
	}
	def, ok := f.definition(ddRoot.ModuleType(), "/")
	if !ok {
		return nil, fmt.Errorf("%w: no config bean schema for %s", models.ErrConfiguration, ddRoot.ModuleType())
	}
	t := f.newTree(ddRoot)
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := f.newBean(t, nil, &ddRoot.Bean, def)
	if err != nil {
		return nil, err
	}
	return &Root{Bean: b, version: version}, nil
}

/**
 * Serialize the config bean tree as XML
 * @param {io.Writer} w - Destination
 * @returns {error} Write errors
 * @description
 * - <dconfig-bean-root module-type filename version> holds one nested <bean xpath location>
 *   element per config bean with <xpath> and <property name value> children
 */
func (r *Root) Save(w io.Writer) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.AddChild(r.element())
	// 属性值中的制表符与换行需转义，否则读取时会被规范化
	doc.WriteSettings.CanonicalAttrVal = true
	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

func (r *Root) element() *etree.Element {
	el := etree.NewElement("dconfig-bean-root")
	el.CreateAttr("module-type", string(r.t.ddRoot.ModuleType()))
	el.CreateAttr("filename", r.t.ddRoot.Filename())
	el.CreateAttr("version", string(r.version))
	writeBean(el, r.Snapshot())
	return el
}

func writeBean(parent *etree.Element, s Snapshot) {
	el := parent.CreateElement("bean")
	el.CreateAttr("xpath", s.XPath)
	el.CreateAttr("location", s.Location)
	for _, req := range s.Required {
		el.CreateElement("xpath").SetText(req)
	}
	for _, p := range s.Properties {
		prop := el.CreateElement("property")
		prop.CreateAttr("name", p.Name)
		prop.CreateAttr("value", p.Value)
	}
	for _, c := range s.Children {
		writeBean(el, c)
	}
}

/**
 * Rebuild a config bean tree saved by Root.Save
 * @param {io.Reader} r - Saved XML
 * @param {*descriptor.Root} ddRoot - Descriptor the tree binds to
 * @returns {(*Root, error)} Restored tree, subscribed like a new one
 * @throws
 * - models.ErrConfiguration for malformed input, a module type mismatch,
 *   or a saved location that does not exist in ddRoot
 * - models.ErrConfigBeanVersionUnsupported for unsupported saved versions
 */
func (f *Factory) Restore(r io.Reader, ddRoot *descriptor.Root) (*Root, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("%w: read config beans: %v", models.ErrConfiguration, err)
	}
	top := doc.Root()
	if top == nil {
		return nil, fmt.Errorf("%w: empty config bean document", models.ErrConfiguration)
	}
	return f.restoreElement(top, ddRoot)
}

func (f *Factory) restoreElement(top *etree.Element, ddRoot *descriptor.Root) (*Root, error) {
	if top.Tag != "dconfig-bean-root" {
		return nil, fmt.Errorf("%w: unexpected element %s", models.ErrConfiguration, top.Tag)
	}
	if mt := top.SelectAttrValue("module-type", ""); mt != string(ddRoot.ModuleType()) {
		return nil, fmt.Errorf("%w: saved module type %q does not match %s", models.ErrConfiguration, mt, ddRoot.ModuleType())
	}
	version, err := models.ParseConfigBeanVersion(top.SelectAttrValue("version", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	if !f.SupportsVersion(version) {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigBeanVersionUnsupported, version)
	}
	beanEl := top.SelectElement("bean")
	if beanEl == nil || beanEl.SelectAttrValue("location", "") != "/" {
		return nil, fmt.Errorf("%w: config bean root must bind to /", models.ErrConfiguration)
	}

	t := f.newTree(ddRoot)
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := restoreBean(t, nil, beanEl)
	if err != nil {
		return nil, err
	}
	return &Root{Bean: b, version: version}, nil
}

func restoreBean(t *tree, parent *Bean, el *etree.Element) (*Bean, error) {
	xpath := el.SelectAttrValue("xpath", "")
	location := el.SelectAttrValue("location", "")
	dd, ok := t.ddRoot.Lookup(location)
	if !ok || dd.XPath() != xpath {
		return nil, fmt.Errorf("%w: saved bean %s (%s) not found in descriptor", models.ErrConfiguration, location, xpath)
	}
	if parent != nil && !parent.accepts(dd) {
		return nil, fmt.Errorf("%w: saved bean %s is not required by %s", models.ErrConfiguration, location, parent.location)
	}

	var required []string
	for _, x := range el.SelectElements("xpath") {
		required = append(required, x.Text())
	}
	var props []Property
	for _, p := range el.SelectElements("property") {
		name := p.SelectAttrValue("name", "")
		if name == "" {
			return nil, fmt.Errorf("%w: property without name in %s", models.ErrConfiguration, location)
		}
		props = append(props, Property{Name: name, Value: p.SelectAttrValue("value", "")})
	}

	b, err := buildBean(t, parent, dd, required, props)
	if err != nil {
		return nil, err
	}
	for _, childEl := range el.SelectElements("bean") {
		c, err := restoreBean(t, b, childEl)
		if err != nil {
			b.unsubscribeTree()
			return nil, err
		}
		b.children = append(b.children, c)
	}
	return b, nil
}
