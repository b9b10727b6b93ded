package dconfig

import (
	"fmt"
	"io"
	"sync"

	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/models"

	"github.com/beevik/etree"
)

/**
 * Deployment configuration of one deployable
 * @description
 * - Owns at most one config bean root per descriptor of the deployable or its nested modules
 * - Save/Restore persist every root as one deployment plan document
 */
type Configuration struct {
	mu         sync.Mutex
	factory    *Factory
	deployable *descriptor.Deployable
	version    models.ConfigBeanVersion
	roots      []*Root
}

func NewConfiguration(f *Factory, d *descriptor.Deployable, version models.ConfigBeanVersion) (*Configuration, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil deployable", models.ErrInvalidArgument)
	}
	if !f.SupportsVersion(version) {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigBeanVersionUnsupported, version)
	}
	return &Configuration{factory: f, deployable: d, version: version}, nil
}

func (c *Configuration) Deployable() *descriptor.Deployable { return c.deployable }

func (c *Configuration) Version() models.ConfigBeanVersion { return c.version }

func (c *Configuration) module(uri string) (*descriptor.Deployable, bool) {
	if c.deployable.URI() == uri {
		return c.deployable, true
	}
	for _, m := range c.deployable.Modules() {
		if m.URI() == uri {
			return m, true
		}
	}
	return nil, false
}

func (c *Configuration) owns(ddRoot *descriptor.Root) bool {
	d := ddRoot.Deployable()
	if d == nil {
		return false
	}
	m, ok := c.module(d.URI())
	return ok && m == d
}

func sameDescriptor(a, b *descriptor.Root) bool {
	return a.Deployable() == b.Deployable() && a.Filename() == b.Filename()
}

/**
 * Get or create the config bean root of a descriptor
 * @param {*descriptor.Root} ddRoot - Descriptor of this deployable or one of its nested modules
 * @returns {(*Root, error)} Config bean root
 * @throws
 * - models.ErrConfiguration when ddRoot belongs to another deployable or has no schema
 */
func (c *Configuration) ConfigBeanRoot(ddRoot *descriptor.Root) (*Root, error) {
	if !c.owns(ddRoot) {
		return nil, fmt.Errorf("%w: descriptor %s does not belong to %s", models.ErrConfiguration, ddRoot.Filename(), c.deployable.URI())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.roots {
		if sameDescriptor(r.DDBeanRoot(), ddRoot) {
			return r, nil
		}
	}
	r, err := c.factory.NewRoot(ddRoot, c.version)
	if err != nil {
		return nil, err
	}
	c.roots = append(c.roots, r)
	return r, nil
}

// Roots returns config bean roots in creation order.
func (c *Configuration) Roots() []*Root {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Root(nil), c.roots...)
}

// RemoveConfigBeanRoot closes and forgets root, models.ErrBeanNotFound when it is not part of the configuration.
func (c *Configuration) RemoveConfigBeanRoot(root *Root) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.roots {
		if r == root {
			c.roots = append(c.roots[:i:i], c.roots[i+1:]...)
			r.Close()
			return nil
		}
	}
	return models.ErrBeanNotFound
}

func (c *Configuration) SaveConfigBeanRoot(w io.Writer, root *Root) error {
	c.mu.Lock()
	found := false
	for _, r := range c.roots {
		found = found || r == root
	}
	c.mu.Unlock()
	if !found {
		return models.ErrBeanNotFound
	}
	return root.Save(w)
}

/**
 * Restore a config bean root and replace the current one of the same descriptor
 * @param {io.Reader} r - XML written by SaveConfigBeanRoot
 * @param {*descriptor.Root} ddRoot - Descriptor to bind to
 * @returns {(*Root, error)} Restored root
 */
func (c *Configuration) RestoreConfigBeanRoot(r io.Reader, ddRoot *descriptor.Root) (*Root, error) {
	if !c.owns(ddRoot) {
		return nil, fmt.Errorf("%w: descriptor %s does not belong to %s", models.ErrConfiguration, ddRoot.Filename(), c.deployable.URI())
	}
	root, err := c.factory.Restore(r, ddRoot)
	if err != nil {
		return nil, err
	}
	c.replace(root)
	return root, nil
}

func (c *Configuration) replace(root *Root) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.roots {
		if sameDescriptor(existing.DDBeanRoot(), root.DDBeanRoot()) {
			existing.Close()
			c.roots[i] = root
			return
		}
	}
	c.roots = append(c.roots, root)
}

/**
 * Save every config bean root as a deployment plan
 * @param {io.Writer} w - Destination
 * @description
 * - <deployment-plan uri version> holds one <module uri filename> per root
 */
func (c *Configuration) Save(w io.Writer) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	plan := doc.CreateElement("deployment-plan")
	plan.CreateAttr("uri", c.deployable.URI())
	plan.CreateAttr("version", string(c.version))
	for _, r := range c.Roots() {
		m := plan.CreateElement("module")
		m.CreateAttr("uri", r.DDBeanRoot().Deployable().URI())
		m.CreateAttr("filename", r.DDBeanRoot().Filename())
		m.AddChild(r.element())
	}
	// 属性值中的制表符与换行需转义，否则读取时会被规范化
	doc.WriteSettings.CanonicalAttrVal = true
	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

/**
 * Restore a deployment plan written by Save
 * @param {io.Reader} r - Plan XML
 * @returns {error} models.ErrConfiguration for malformed plans or unknown modules
 * @description
 * - Every root is validated before any current root is replaced
 */
func (c *Configuration) Restore(r io.Reader) error {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return fmt.Errorf("%w: read deployment plan: %v", models.ErrConfiguration, err)
	}
	plan := doc.Root()
	if plan == nil || plan.Tag != "deployment-plan" {
		return fmt.Errorf("%w: not a deployment plan", models.ErrConfiguration)
	}
	var restored []*Root
	fail := func(err error) error {
		for _, r := range restored {
			r.Close()
		}
		return err
	}
	for _, m := range plan.SelectElements("module") {
		uri := m.SelectAttrValue("uri", "")
		d, ok := c.module(uri)
		if !ok {
			return fail(fmt.Errorf("%w: plan module %q not in %s", models.ErrConfiguration, uri, c.deployable.URI()))
		}
		ddRoot, err := d.DDBeanRootFor(m.SelectAttrValue("filename", d.ModuleType().DescriptorName()))
		if err != nil {
			return fail(err)
		}
		top := m.SelectElement("dconfig-bean-root")
		if top == nil {
			return fail(fmt.Errorf("%w: plan module %q has no config beans", models.ErrConfiguration, uri))
		}
		root, err := c.factory.restoreElement(top, ddRoot)
		if err != nil {
			return fail(err)
		}
		restored = append(restored, root)
	}
	for _, root := range restored {
		c.replace(root)
	}
	return nil
}
