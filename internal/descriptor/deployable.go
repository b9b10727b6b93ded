package descriptor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"deploy-keeper/internal/models"
)

/**
 * Deployable module with its parsed standard descriptor
 * @description
 * - Wraps the module archive (when there is one) and the current descriptor tree
 * - Refresh re-parses the descriptor, diffs it against the previous tree and
 *   dispatches the events through the module's registry on the calling goroutine
 * - Nested modules of an enterprise application are reachable through AsApplication
 */
type Deployable struct {
	moduleType  models.ModuleType
	uri         string
	contextRoot string
	archive     *zip.Reader
	registry    *Registry

	refreshMu sync.Mutex
	mu        sync.RWMutex
	root      *Root
	extra     map[string]*Root
	modules   []*Deployable
}

/**
 * Create a deployable from descriptor bytes only
 * @param {models.ModuleType} moduleType - Module type
 * @param {string} uri - Module uri, used as module name
 * @param {[]byte} descriptor - Standard descriptor XML
 * @returns {(*Deployable, error)} Deployable without archive entries
 */
func NewDeployable(moduleType models.ModuleType, uri string, descriptor []byte) (*Deployable, error) {
	if !moduleType.Valid() {
		return nil, fmt.Errorf("%w: unknown module type %q", models.ErrInvalidArgument, moduleType)
	}
	d := &Deployable{
		moduleType: moduleType,
		uri:        uri,
		registry:   NewRegistry(),
		extra:      make(map[string]*Root),
	}
	root, err := Parse(descriptor, moduleType, moduleType.DescriptorName())
	if err != nil {
		return nil, err
	}
	root.owner = d
	d.root = root
	if moduleType == models.ModuleWAR {
		d.contextRoot = defaultContextRoot(uri)
	}
	return d, nil
}

/**
 * Open a module archive
 * @param {string} name - Archive file name, the extension drives type detection
 * @param {[]byte} data - Archive bytes (zip)
 * @returns {(*Deployable, error)} Deployable with nested modules for enterprise applications
 * @description
 * - .ear/.war/.rar types come from the extension and must contain their descriptor
 * - .jar is a client module when it contains META-INF/application-client.xml, else an ejb module
 * - Other names are probed by descriptor entry
 * - Enterprise applications open the modules listed in application.xml,
 *   or every top level .war/.jar/.rar entry when the list is empty
 * @throws
 * - models.ErrInvalidModule for unreadable archives or missing descriptors
 * - models.ErrConfiguration for malformed descriptors
 */
func OpenArchive(name string, data []byte) (*Deployable, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a readable archive: %v", models.ErrInvalidModule, name, err)
	}
	moduleType, err := DetectModuleType(name, zr)
	if err != nil {
		return nil, err
	}
	return openModule(name, moduleType, zr)
}

func openModule(uri string, moduleType models.ModuleType, zr *zip.Reader) (*Deployable, error) {
	raw, err := readEntry(zr, moduleType.DescriptorName())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidModule, uri, err)
	}
	d, err := NewDeployable(moduleType, uri, raw)
	if err != nil {
		return nil, err
	}
	d.archive = zr
	if moduleType == models.ModuleEAR {
		if err := d.openNested(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DetectModuleType resolves the module type of an opened archive.
func DetectModuleType(name string, zr *zip.Reader) (models.ModuleType, error) {
	t, conclusive := models.ModuleTypeFromFilename(name)
	switch {
	case conclusive:
		if !hasEntry(zr, t.DescriptorName()) {
			return "", fmt.Errorf("%w: %s has no %s", models.ErrInvalidModule, name, t.DescriptorName())
		}
		return t, nil
	case t == models.ModuleEJB:
		for _, candidate := range []models.ModuleType{models.ModuleCAR, models.ModuleEJB} {
			if hasEntry(zr, candidate.DescriptorName()) {
				return candidate, nil
			}
		}
	default:
		for _, candidate := range []models.ModuleType{models.ModuleEAR, models.ModuleWAR, models.ModuleRAR, models.ModuleCAR, models.ModuleEJB} {
			if hasEntry(zr, candidate.DescriptorName()) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s has no deployment descriptor", models.ErrInvalidModule, name)
}

type nestedModule struct {
	uri         string
	moduleType  models.ModuleType
	contextRoot string
}

func (d *Deployable) listNested() []nestedModule {
	var out []nestedModule
	modules, _ := d.root.ChildBeans("application/module")
	for _, m := range modules {
		for _, c := range m.children {
			switch c.name {
			case "web":
				uri, _ := c.Text("web-uri")
				ctx, _ := c.Text("context-root")
				if len(uri) > 0 {
					n := nestedModule{uri: uri[0], moduleType: models.ModuleWAR}
					if len(ctx) > 0 {
						n.contextRoot = strings.Trim(ctx[0], "/")
					}
					out = append(out, n)
				}
			case "ejb":
				out = append(out, nestedModule{uri: c.text, moduleType: models.ModuleEJB})
			case "java":
				out = append(out, nestedModule{uri: c.text, moduleType: models.ModuleCAR})
			case "connector":
				out = append(out, nestedModule{uri: c.text, moduleType: models.ModuleRAR})
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, f := range d.archive.File {
		if strings.Contains(f.Name, "/") {
			continue
		}
		if t, _ := models.ModuleTypeFromFilename(f.Name); t != "" && t != models.ModuleEAR {
			out = append(out, nestedModule{uri: f.Name})
		}
	}
	return out
}

func (d *Deployable) openNested() error {
	for _, n := range d.listNested() {
		raw, err := readEntry(d.archive, n.uri)
		if err != nil {
			return fmt.Errorf("%w: %s: module %s: %v", models.ErrInvalidModule, d.uri, n.uri, err)
		}
		zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return fmt.Errorf("%w: %s: module %s is not a readable archive", models.ErrInvalidModule, d.uri, n.uri)
		}
		moduleType := n.moduleType
		if moduleType == "" {
			if moduleType, err = DetectModuleType(n.uri, zr); err != nil {
				return err
			}
		}
		child, err := openModule(n.uri, moduleType, zr)
		if err != nil {
			return err
		}
		if n.contextRoot != "" {
			child.contextRoot = n.contextRoot
		}
		d.modules = append(d.modules, child)
	}
	return nil
}

func hasEntry(zr *zip.Reader, name string) bool {
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	if zr == nil {
		return nil, fmt.Errorf("no archive")
	}
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func defaultContextRoot(uri string) string {
	base := path.Base(uri)
	return strings.TrimSuffix(base, path.Ext(base))
}

func (d *Deployable) ModuleType() models.ModuleType { return d.moduleType }

// URI is the archive name, or the entry uri for nested modules.
func (d *Deployable) URI() string { return d.uri }

// ContextRoot is the web context of web modules, empty for other types.
func (d *Deployable) ContextRoot() string { return d.contextRoot }

func (d *Deployable) Registry() *Registry { return d.registry }

// DDBeanRoot returns the current standard descriptor tree.
func (d *Deployable) DDBeanRoot() *Root {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

/**
 * Parse another descriptor entry of the archive
 * @param {string} filename - Entry name (e.g. META-INF/keeper-web.xml)
 * @returns {(*Root, error)} Parsed tree, cached per entry
 * @throws
 * - models.ErrConfiguration when the entry is missing or malformed
 */
func (d *Deployable) DDBeanRootFor(filename string) (*Root, error) {
	if filename == d.moduleType.DescriptorName() {
		return d.DDBeanRoot(), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.extra[filename]; ok {
		return r, nil
	}
	raw, err := readEntry(d.archive, filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	r, err := Parse(raw, d.moduleType, filename)
	if err != nil {
		return nil, err
	}
	r.owner = d
	d.extra[filename] = r
	return r, nil
}

// Entries lists archive entry names, empty without an archive.
func (d *Deployable) Entries() []string {
	if d.archive == nil {
		return []string{}
	}
	out := make([]string, 0, len(d.archive.File))
	for _, f := range d.archive.File {
		out = append(out, f.Name)
	}
	return out
}

func (d *Deployable) Entry(name string) ([]byte, error) {
	return readEntry(d.archive, name)
}

func (d *Deployable) ChildBeans(xpath string) ([]*Bean, error) {
	return d.DDBeanRoot().ChildBeans(xpath)
}

func (d *Deployable) Text(xpath string) ([]string, error) {
	return d.DDBeanRoot().Text(xpath)
}

func (d *Deployable) AddXpathListener(pattern string, l Listener) error {
	return d.registry.Subscribe(pattern, l)
}

func (d *Deployable) RemoveXpathListener(pattern string, l Listener) error {
	return d.registry.Unsubscribe(pattern, l)
}

/**
 * Replace the standard descriptor and notify subscribers
 * @param {[]byte} descriptor - New descriptor XML
 * @returns {([]Event, error)} Events produced by the diff
 * @description
 * - Concurrent refreshes are serialized
 * - The new tree is visible before listeners run
 */
func (d *Deployable) Refresh(descriptor []byte) ([]Event, error) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	root, err := Parse(descriptor, d.moduleType, d.moduleType.DescriptorName())
	if err != nil {
		return nil, err
	}
	root.owner = d

	d.mu.Lock()
	old := d.root
	d.root = root
	d.mu.Unlock()

	events := Diff(old, root)
	d.registry.Dispatch(events)
	return events, nil
}

// AsApplication returns the application view of an enterprise archive.
func (d *Deployable) AsApplication() (*Application, bool) {
	if d.moduleType != models.ModuleEAR {
		return nil, false
	}
	return &Application{Deployable: d}, true
}

// Modules returns nested modules in declaration order.
func (d *Deployable) Modules() []*Deployable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Deployable, len(d.modules))
	copy(out, d.modules)
	return out
}
