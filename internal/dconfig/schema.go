package dconfig

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/models"

	"gopkg.in/yaml.v3"
)

/**
 * Config bean definition for one descriptor path
 * @property {string} xpath - Absolute positionless descriptor path the bean binds to ("/" for the root bean)
 * @property {[]string} required - Paths relative to the bound bean the config bean depends on
 * @property {map[string]string} properties - Default property values
 */
type BeanSchema struct {
	XPath      string            `yaml:"xpath"`
	Required   []string          `yaml:"required"`
	Properties map[string]string `yaml:"properties"`
}

// Schema lists the config beans of one module type.
type Schema struct {
	ModuleType models.ModuleType `yaml:"moduleType"`
	Beans      []BeanSchema      `yaml:"beans"`
}

func (s *Schema) validate() error {
	if !s.ModuleType.Valid() {
		return fmt.Errorf("%w: schema has unknown module type %q", models.ErrConfiguration, s.ModuleType)
	}
	hasRoot := false
	for _, b := range s.Beans {
		p, err := descriptor.ParsePath(b.XPath)
		if err != nil || !p.IsAbsolute() {
			return fmt.Errorf("%w: schema %s: bean xpath %q must be absolute", models.ErrConfiguration, s.ModuleType, b.XPath)
		}
		if b.XPath == "/" {
			hasRoot = true
		}
		for _, rel := range b.Required {
			rp, err := descriptor.ParsePath(rel)
			if err != nil || rp.IsAbsolute() {
				return fmt.Errorf("%w: schema %s: required xpath %q must be relative", models.ErrConfiguration, s.ModuleType, rel)
			}
		}
	}
	if !hasRoot {
		return fmt.Errorf("%w: schema %s has no root bean", models.ErrConfiguration, s.ModuleType)
	}
	return nil
}

func (s *Schema) bean(xpath string) (BeanSchema, bool) {
	for _, b := range s.Beans {
		if b.XPath == xpath {
			return b, true
		}
	}
	return BeanSchema{}, false
}

/**
 * Load config bean schemas from YAML
 * @param {io.Reader} r - YAML document, a single schema or a list of schemas
 * @returns {([]*Schema, error)} Validated schemas
 * @throws
 * - models.ErrConfiguration for malformed YAML or invalid schemas
 * @example
 * schemas, err := LoadSchema(strings.NewReader("moduleType: war\nbeans:\n  - xpath: /\n"))
 */
func LoadSchema(r io.Reader) ([]*Schema, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read schema: %v", models.ErrConfiguration, err)
	}
	var list []*Schema
	if err := yaml.Unmarshal(raw, &list); err != nil {
		var one Schema
		if err2 := yaml.Unmarshal(raw, &one); err2 != nil {
			return nil, fmt.Errorf("%w: parse schema: %v", models.ErrConfiguration, err2)
		}
		list = []*Schema{&one}
	}
	for _, s := range list {
		s.ModuleType = models.ModuleType(strings.ToLower(string(s.ModuleType)))
		if err := s.validate(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

const defaultSchemas = `
- moduleType: ear
  beans:
    - xpath: /
      required: [application/module]
      properties: {realm: ""}
    - xpath: /application/module
      required: [web/web-uri, web/context-root, ejb, java, connector]
      properties: {deploy-order: ""}
- moduleType: war
  beans:
    - xpath: /
      required: [web-app/servlet, web-app/resource-ref, web-app/ejb-ref]
      properties: {context-root: "", session-timeout: ""}
    - xpath: /web-app/servlet
      required: [servlet-name, servlet-class, init-param/param-name]
      properties: {run-as: "", load-on-startup: ""}
    - xpath: /web-app/resource-ref
      required: [res-ref-name, res-type]
      properties: {jndi-name: ""}
    - xpath: /web-app/ejb-ref
      required: [ejb-ref-name]
      properties: {jndi-name: ""}
- moduleType: ejb
  beans:
    - xpath: /
      required: [ejb-jar/enterprise-beans/session, ejb-jar/enterprise-beans/message-driven]
      properties: {}
    - xpath: /ejb-jar/enterprise-beans/session
      required: [ejb-name, ejb-class]
      properties: {jndi-name: "", pool-size: ""}
    - xpath: /ejb-jar/enterprise-beans/message-driven
      required: [ejb-name, messaging-type]
      properties: {destination: ""}
- moduleType: car
  beans:
    - xpath: /
      required: [application-client/resource-ref, application-client/ejb-ref]
      properties: {main-class: ""}
    - xpath: /application-client/resource-ref
      required: [res-ref-name]
      properties: {jndi-name: ""}
    - xpath: /application-client/ejb-ref
      required: [ejb-ref-name]
      properties: {jndi-name: ""}
- moduleType: rar
  beans:
    - xpath: /
      required: [connector/resourceadapter/outbound-resourceadapter/connection-definition]
      properties: {}
    - xpath: /connector/resourceadapter/outbound-resourceadapter/connection-definition
      required: [managedconnectionfactory-class, connectionfactory-interface]
      properties: {jndi-name: "", max-pool-size: ""}
`

/**
 * Factory of config bean trees
 * @description
 * - Holds one schema per module type and the supported config bean versions
 * - Subscribes the required paths of every bean it creates on the deployable's registry
 */
type Factory struct {
	mu       sync.RWMutex
	schemas  map[models.ModuleType]*Schema
	versions []models.ConfigBeanVersion
}

// NewFactory returns a factory with the built-in schemas, supporting V1_4 and V5.
func NewFactory() *Factory {
	f := &Factory{
		schemas:  make(map[models.ModuleType]*Schema),
		versions: []models.ConfigBeanVersion{models.ConfigBeanV1_4, models.ConfigBeanV5},
	}
	schemas, err := LoadSchema(strings.NewReader(defaultSchemas))
	if err != nil {
		panic(err)
	}
	for _, s := range schemas {
		f.schemas[s.ModuleType] = s
	}
	return f
}

// Register replaces the schema of its module type.
func (f *Factory) Register(s *Schema) error {
	if err := s.validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[s.ModuleType] = s
	return nil
}

func (f *Factory) Schema(moduleType models.ModuleType) (*Schema, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.schemas[moduleType]
	return s, ok
}

func (f *Factory) SupportsVersion(v models.ConfigBeanVersion) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.versions {
		if s == v {
			return true
		}
	}
	return false
}

// SetVersions replaces the supported config bean versions.
func (f *Factory) SetVersions(versions ...models.ConfigBeanVersion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append([]models.ConfigBeanVersion(nil), versions...)
}

func (f *Factory) definition(moduleType models.ModuleType, xpath string) (BeanSchema, bool) {
	s, ok := f.Schema(moduleType)
	if !ok {
		return BeanSchema{}, false
	}
	return s.bean(xpath)
}
