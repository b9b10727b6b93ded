package descriptor

import (
	"fmt"

	"deploy-keeper/internal/models"
)

// Application is the enterprise application view of an EAR deployable.
type Application struct {
	*Deployable
}

// ModuleURIs returns nested module uris, optionally restricted to one type.
func (a *Application) ModuleURIs(moduleType models.ModuleType) []string {
	var out []string
	for _, m := range a.Modules() {
		if moduleType == "" || m.moduleType == moduleType {
			out = append(out, m.uri)
		}
	}
	return out
}

func (a *Application) Module(uri string) (*Deployable, bool) {
	for _, m := range a.Modules() {
		if m.uri == uri {
			return m, true
		}
	}
	return nil, false
}

func (a *Application) modulesOf(moduleType models.ModuleType) ([]*Deployable, error) {
	if !moduleType.Valid() {
		return nil, fmt.Errorf("%w: unknown module type %q", models.ErrInvalidArgument, moduleType)
	}
	var out []*Deployable
	if moduleType == models.ModuleEAR {
		out = append(out, a.Deployable)
	}
	for _, m := range a.Modules() {
		if m.moduleType == moduleType {
			out = append(out, m)
		}
	}
	return out, nil
}

/**
 * Resolve xpath in every module of a type
 * @param {models.ModuleType} moduleType - Module type, ear selects the application descriptor itself
 * @param {string} xpath - Path expression
 * @returns {([]*Bean, error)} Matches of all modules in declaration order
 */
func (a *Application) ChildBeans(moduleType models.ModuleType, xpath string) ([]*Bean, error) {
	mods, err := a.modulesOf(moduleType)
	if err != nil {
		return nil, err
	}
	p, err := ParsePath(xpath)
	if err != nil {
		return nil, err
	}
	out := make([]*Bean, 0)
	for _, m := range mods {
		out = append(out, p.Select(&m.DDBeanRoot().Bean)...)
	}
	return out, nil
}

func (a *Application) Text(moduleType models.ModuleType, xpath string) ([]string, error) {
	beans, err := a.ChildBeans(moduleType, xpath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(beans))
	for _, b := range beans {
		out = append(out, b.text)
	}
	return out, nil
}

// AddXpathListener subscribes l on every module of the given type.
func (a *Application) AddXpathListener(moduleType models.ModuleType, pattern string, l Listener) error {
	mods, err := a.modulesOf(moduleType)
	if err != nil {
		return err
	}
	for _, m := range mods {
		if err := m.registry.Subscribe(pattern, l); err != nil {
			return err
		}
	}
	return nil
}

func (a *Application) RemoveXpathListener(moduleType models.ModuleType, pattern string, l Listener) error {
	mods, err := a.modulesOf(moduleType)
	if err != nil {
		return err
	}
	for _, m := range mods {
		if err := m.registry.Unsubscribe(pattern, l); err != nil {
			return err
		}
	}
	return nil
}
