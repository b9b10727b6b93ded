package dconfig

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webXML(names ...string) []byte {
	var b strings.Builder
	b.WriteString(`<web-app version="5.0"><display-name>shop</display-name>`)
	for i, n := range names {
		fmt.Fprintf(&b, `<servlet id="s%d"><servlet-name>%s</servlet-name><servlet-class>shop.%s</servlet-class></servlet>`, i+1, n, n)
	}
	b.WriteString(`<resource-ref><res-ref-name>jdbc/shop</res-ref-name><res-type>javax.sql.DataSource</res-type></resource-ref>`)
	b.WriteString(`</web-app>`)
	return []byte(b.String())
}

func newWar(t *testing.T, names ...string) *descriptor.Deployable {
	t.Helper()
	d, err := descriptor.NewDeployable(models.ModuleWAR, "shop.war", webXML(names...))
	require.NoError(t, err)
	return d
}

func servletBean(t *testing.T, d *descriptor.Deployable, index int) *descriptor.Bean {
	t.Helper()
	beans, err := d.ChildBeans(fmt.Sprintf("web-app/servlet[%d]", index))
	require.NoError(t, err)
	require.Len(t, beans, 1)
	return beans[0]
}

func TestNewRootSubscribesRequiredPaths(t *testing.T) {
	d := newWar(t, "cart", "order")
	root, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)

	assert.Equal(t, "/", root.XPath())
	assert.Equal(t, []string{"web-app/servlet", "web-app/resource-ref", "web-app/ejb-ref"}, root.Required())
	assert.Equal(t, []string{"/web-app/servlet", "/web-app/resource-ref", "/web-app/ejb-ref"}, root.Patterns())
	assert.Equal(t, []string{"context-root", "session-timeout"}, root.PropertyNames())
	assert.ElementsMatch(t, root.Patterns(), d.Registry().Patterns())
	assert.Equal(t, []string{"", ""}, root.Derived("web-app/servlet"))

	root.Close()
	assert.Empty(t, d.Registry().Patterns())
}

func TestNewRootRejectsUnsupportedVersion(t *testing.T) {
	d := newWar(t, "cart")
	_, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV1_3)
	assert.ErrorIs(t, err, models.ErrConfigBeanVersionUnsupported)
}

func TestChildForBindsRequiredBeans(t *testing.T) {
	d := newWar(t, "cart", "order")
	root, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)

	child, err := root.ChildFor(servletBean(t, d, 1))
	require.NoError(t, err)
	assert.Equal(t, "/web-app[1]/servlet[1]", child.Location())
	assert.Equal(t, []string{"cart"}, child.Derived("servlet-name"))
	assert.Equal(t, []string{"shop.cart"}, child.Derived("servlet-class"))
	assert.Empty(t, child.Derived("init-param/param-name"))

	again, err := root.ChildFor(servletBean(t, d, 1))
	require.NoError(t, err)
	assert.Same(t, child, again)

	display, _ := d.ChildBeans("web-app/display-name")
	_, err = root.ChildFor(display[0])
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = child.ChildFor(servletBean(t, d, 2))
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

/**
 * Test descriptor refresh recomputes derived values before returning
 * @param {*testing.T} t - Testing framework instance
 */
func TestNotifyDDChangeRecomputesSynchronously(t *testing.T) {
	d := newWar(t, "cart", "order")
	root, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)
	first, err := root.ChildFor(servletBean(t, d, 1))
	require.NoError(t, err)
	second, err := root.ChildFor(servletBean(t, d, 2))
	require.NoError(t, err)

	_, err = d.Refresh(webXML("basket", "order"))
	require.NoError(t, err)
	assert.Equal(t, []string{"basket"}, first.Derived("servlet-name"))
	assert.Equal(t, "basket", first.DDBean().Children()[0].Content())
	assert.Equal(t, []string{"order"}, second.Derived("servlet-name"))
	// second 未收到事件，也必须绑定到新的描述符树
	assert.Same(t, d.DDBeanRoot(), second.DDBean().Root())
	assert.Equal(t, "order", second.DDBean().Children()[0].Content())
	assert.Same(t, d.DDBeanRoot(), root.DDBean().Root())

	_, err = d.Refresh(webXML("basket"))
	require.NoError(t, err)
	assert.Equal(t, []*Bean{first}, root.Children())
	assert.True(t, second.Detached())
	assert.Equal(t, []string{""}, root.Derived("web-app/servlet"))
	assert.Contains(t, d.Registry().Patterns(), "/web-app/servlet/servlet-name")
}

func TestRemoveChild(t *testing.T) {
	d := newWar(t, "cart", "order")
	root, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)
	child, err := root.ChildFor(servletBean(t, d, 1))
	require.NoError(t, err)

	other, err := NewFactory().NewRoot(newWar(t, "x").DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)
	assert.ErrorIs(t, root.RemoveChild(other.Bean), models.ErrBeanNotFound)

	require.NoError(t, root.RemoveChild(child))
	assert.Empty(t, root.Children())
	assert.True(t, child.Detached())
	assert.ErrorIs(t, root.RemoveChild(child), models.ErrBeanNotFound)

	_, err = child.ChildFor(servletBean(t, d, 1))
	assert.ErrorIs(t, err, models.ErrIllegalState)
}

func TestPropertyListeners(t *testing.T) {
	d := newWar(t, "cart")
	root, err := NewFactory().NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)

	var got []PropertyChangeEvent
	l := NewFuncPropertyListener(func(ev PropertyChangeEvent) { got = append(got, ev) })
	root.AddPropertyListener(l)
	root.AddPropertyListener(l)

	root.SetProperty("context-root", "store")
	root.SetProperty("context-root", "store")
	root.SetProperty("realm", "file")
	require.Len(t, got, 2)
	assert.Equal(t, PropertyChangeEvent{Bean: root.Bean, Name: "context-root", Old: "", New: "store"}, got[0])
	assert.Equal(t, "realm", got[1].Name)

	v, ok := root.Property("context-root")
	assert.True(t, ok)
	assert.Equal(t, "store", v)

	root.RemovePropertyListener(l)
	root.SetProperty("context-root", "shop")
	assert.Len(t, got, 2)
}

/**
 * Test restore of a saved tree is structurally equal to the original
 * @param {*testing.T} t - Testing framework instance
 * @description
 * - Covers a root without children and a root with distinct children and values
 */
func TestSaveRestoreRoundTrip(t *testing.T) {
	f := NewFactory()

	t.Run("Empty", func(t *testing.T) {
		d := newWar(t)
		root, err := f.NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, root.Save(&buf))
		restored, err := f.Restore(&buf, d.DDBeanRoot())
		require.NoError(t, err)
		assert.Equal(t, root.Snapshot(), restored.Snapshot())
		assert.Equal(t, models.ConfigBeanV5, restored.Version())
	})

	t.Run("Children", func(t *testing.T) {
		d := newWar(t, "cart", "order", "pay")
		root, err := f.NewRoot(d.DDBeanRoot(), models.ConfigBeanV1_4)
		require.NoError(t, err)
		root.SetProperty("context-root", "store & more")
		for i, runAs := range []string{"admin", "", "  clerk  "} {
			c, err := root.ChildFor(servletBean(t, d, i+1))
			require.NoError(t, err)
			c.SetProperty("run-as", runAs)
			c.SetProperty("load-on-startup", fmt.Sprint(i))
		}
		refs, _ := d.ChildBeans("web-app/resource-ref")
		ref, err := root.ChildFor(refs[0])
		require.NoError(t, err)
		ref.SetProperty("jndi-name", "java:comp/env/jdbc/shop")

		var buf bytes.Buffer
		require.NoError(t, root.Save(&buf))
		assert.Contains(t, buf.String(), `<dconfig-bean-root module-type="war"`)

		restored, err := f.Restore(bytes.NewReader(buf.Bytes()), d.DDBeanRoot())
		require.NoError(t, err)
		assert.Equal(t, root.Snapshot(), restored.Snapshot())
		require.Len(t, restored.Children(), 4)
		assert.Equal(t, []string{"order"}, restored.Children()[1].Derived("servlet-name"))
	})

	t.Run("ControlCharacters", func(t *testing.T) {
		d := newWar(t, "cart")
		root, err := f.NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
		require.NoError(t, err)
		root.SetProperty("context-root", "line1\nline2\tx\r\n")
		c, err := root.ChildFor(servletBean(t, d, 1))
		require.NoError(t, err)
		c.SetProperty("run-as", "\r\tclerk\r")

		var buf bytes.Buffer
		require.NoError(t, root.Save(&buf))
		restored, err := f.Restore(bytes.NewReader(buf.Bytes()), d.DDBeanRoot())
		require.NoError(t, err)
		assert.Equal(t, root.Snapshot(), restored.Snapshot())
		v, _ := restored.Property("context-root")
		assert.Equal(t, "line1\nline2\tx\r\n", v)
	})
}

func TestRestoreRejectsMismatches(t *testing.T) {
	f := NewFactory()
	d := newWar(t, "cart", "order")
	root, err := f.NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)
	_, err = root.ChildFor(servletBean(t, d, 2))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, root.Save(&buf))

	smaller := newWar(t, "cart")
	_, err = f.Restore(bytes.NewReader(buf.Bytes()), smaller.DDBeanRoot())
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Empty(t, smaller.Registry().Patterns())

	ejb, err := descriptor.NewDeployable(models.ModuleEJB, "beans.jar", []byte(`<ejb-jar/>`))
	require.NoError(t, err)
	_, err = f.Restore(bytes.NewReader(buf.Bytes()), ejb.DDBeanRoot())
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = f.Restore(strings.NewReader("<nope"), d.DDBeanRoot())
	assert.ErrorIs(t, err, models.ErrConfiguration)

	f.SetVersions(models.ConfigBeanV1_4)
	_, err = f.Restore(bytes.NewReader(buf.Bytes()), d.DDBeanRoot())
	assert.ErrorIs(t, err, models.ErrConfigBeanVersionUnsupported)
}

func TestLoadSchema(t *testing.T) {
	one := `
moduleType: WAR
beans:
  - xpath: /
    required: [web-app/filter]
  - xpath: /web-app/filter
    required: [filter-name]
    properties: {order: "1"}
`
	schemas, err := LoadSchema(strings.NewReader(one))
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, models.ModuleWAR, schemas[0].ModuleType)

	f := NewFactory()
	require.NoError(t, f.Register(schemas[0]))
	d, err := descriptor.NewDeployable(models.ModuleWAR, "f.war", []byte(`<web-app><filter><filter-name>auth</filter-name></filter></web-app>`))
	require.NoError(t, err)
	root, err := f.NewRoot(d.DDBeanRoot(), models.ConfigBeanV5)
	require.NoError(t, err)
	filters, _ := d.ChildBeans("web-app/filter")
	c, err := root.ChildFor(filters[0])
	require.NoError(t, err)
	v, _ := c.Property("order")
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"auth"}, c.Derived("filter-name"))

	for _, bad := range []string{
		"moduleType: tar\nbeans:\n  - xpath: /\n",
		"moduleType: war\nbeans:\n  - xpath: web-app\n",
		"moduleType: war\nbeans:\n  - xpath: /web-app\n",
		"moduleType: war\nbeans:\n  - xpath: /\n    required: [/web-app]\n",
		"moduleType: [",
	} {
		_, err := LoadSchema(strings.NewReader(bad))
		assert.ErrorIs(t, err, models.ErrConfiguration, bad)
	}
}

func buildEar(t *testing.T) []byte {
	t.Helper()
	zipOf := func(entries ...[2]string) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for _, e := range entries {
			w, err := zw.Create(e[0])
			require.NoError(t, err)
			_, err = w.Write([]byte(e[1]))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return buf.Bytes()
	}
	war := zipOf([2]string{"WEB-INF/web.xml", string(webXML("cart"))})
	return zipOf(
		[2]string{"META-INF/application.xml", `<application><module><web><web-uri>web.war</web-uri><context-root>shop</context-root></web></module></application>`},
		[2]string{"web.war", string(war)},
	)
}

func TestConfigurationPlanRoundTrip(t *testing.T) {
	f := NewFactory()
	ear, err := descriptor.OpenArchive("shop.ear", buildEar(t))
	require.NoError(t, err)
	app, _ := ear.AsApplication()
	web, _ := app.Module("web.war")

	conf, err := NewConfiguration(f, ear, models.ConfigBeanV5)
	require.NoError(t, err)
	earRoot, err := conf.ConfigBeanRoot(ear.DDBeanRoot())
	require.NoError(t, err)
	earRoot.SetProperty("realm", "ldap\r\n\tprimary")
	webRoot, err := conf.ConfigBeanRoot(web.DDBeanRoot())
	require.NoError(t, err)
	webRoot.SetProperty("context-root", "store")
	again, err := conf.ConfigBeanRoot(web.DDBeanRoot())
	require.NoError(t, err)
	assert.Same(t, webRoot, again)

	foreign := newWar(t, "cart")
	_, err = conf.ConfigBeanRoot(foreign.DDBeanRoot())
	assert.ErrorIs(t, err, models.ErrConfiguration)

	var plan bytes.Buffer
	require.NoError(t, conf.Save(&plan))

	other, err := NewConfiguration(f, ear, models.ConfigBeanV5)
	require.NoError(t, err)
	require.NoError(t, other.Restore(bytes.NewReader(plan.Bytes())))
	roots := other.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, earRoot.Snapshot(), roots[0].Snapshot())
	assert.Equal(t, webRoot.Snapshot(), roots[1].Snapshot())

	var single bytes.Buffer
	require.NoError(t, conf.SaveConfigBeanRoot(&single, webRoot))
	restored, err := conf.RestoreConfigBeanRoot(&single, web.DDBeanRoot())
	require.NoError(t, err)
	assert.Equal(t, webRoot.Snapshot(), restored.Snapshot())
	assert.Len(t, conf.Roots(), 2)

	require.NoError(t, conf.RemoveConfigBeanRoot(restored))
	assert.ErrorIs(t, conf.RemoveConfigBeanRoot(restored), models.ErrBeanNotFound)
	assert.ErrorIs(t, conf.SaveConfigBeanRoot(&single, restored), models.ErrBeanNotFound)

	assert.ErrorIs(t, other.Restore(strings.NewReader(`<deployment-plan><module uri="missing.war"/></deployment-plan>`)), models.ErrConfiguration)
}
