package descriptor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"deploy-keeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type servletDef struct {
	id, name, class string
}

func webXML(servlets ...servletDef) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<web-app xmlns="https://jakarta.ee/xml/ns/jakartaee" version="5.0">` + "\n")
	b.WriteString("  <display-name>shop</display-name>\n")
	for _, s := range servlets {
		fmt.Fprintf(&b, "  <servlet id=%q>\n    <servlet-name>%s</servlet-name>\n    <servlet-class>%s</servlet-class>\n  </servlet>\n", s.id, s.name, s.class)
	}
	b.WriteString("</web-app>\n")
	return []byte(b.String())
}

var twoServlets = []servletDef{
	{"s1", "cart", "shop.Cart"},
	{"s2", "order", "shop.Order"},
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type recorder struct {
	events []Event
}

func (r *recorder) NotifyXpathEvent(ev Event) {
	r.events = append(r.events, ev)
}

func TestParseBuildsLocations(t *testing.T) {
	root, err := Parse(webXML(twoServlets...), models.ModuleWAR, "WEB-INF/web.xml")
	require.NoError(t, err)

	assert.Equal(t, "/", root.XPath())
	assert.Equal(t, "5.0", root.Version())
	assert.Equal(t, models.ModuleWAR, root.ModuleType())

	top, ok := root.DocumentElement()
	require.True(t, ok)
	assert.Equal(t, "web-app", top.Name())
	assert.Equal(t, []string{"version"}, top.AttributeNames())

	servlets, err := root.ChildBeans("web-app/servlet")
	require.NoError(t, err)
	require.Len(t, servlets, 2)
	assert.Equal(t, "/web-app/servlet", servlets[1].XPath())
	assert.Equal(t, "/web-app[1]/servlet[2]", servlets[1].Location())
	id, ok := servlets[1].ID()
	assert.True(t, ok)
	assert.Equal(t, "s2", id)
	assert.Same(t, root, servlets[1].Root())

	found, ok := root.Lookup("/web-app[1]/servlet[2]/servlet-name[1]")
	require.True(t, ok)
	assert.Equal(t, "order", found.Content())
}

func TestParseRejectsMalformedXML(t *testing.T) {
	_, err := Parse([]byte("<web-app><servlet></web-app>"), models.ModuleWAR, "WEB-INF/web.xml")
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = Parse([]byte(""), models.ModuleWAR, "WEB-INF/web.xml")
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

/**
 * Test path resolution and the empty-versus-invalid convention
 * @param {*testing.T} t - Testing framework instance
 * @description
 * - Valid paths that match nothing return an empty slice and nil error
 * - Syntax errors return ErrInvalidXpath
 */
func TestChildBeansResolution(t *testing.T) {
	root, err := Parse(webXML(twoServlets...), models.ModuleWAR, "WEB-INF/web.xml")
	require.NoError(t, err)
	servlets, _ := root.ChildBeans("web-app/servlet")
	first := servlets[0]

	cases := []struct {
		from  *Bean
		xpath string
		want  []string
	}{
		{&root.Bean, "web-app/servlet/servlet-name", []string{"cart", "order"}},
		{&root.Bean, "/web-app/servlet[2]/servlet-name", []string{"order"}},
		{&root.Bean, "web-app/servlet[@id='s1']/servlet-class", []string{"shop.Cart"}},
		{&root.Bean, `web-app/servlet[@id="s2"]/*`, []string{"order", "shop.Order"}},
		{first, "servlet-name", []string{"cart"}},
		{first, "./servlet-class", []string{"shop.Cart"}},
		{first, "../display-name", []string{"shop"}},
		{first, "/web-app/display-name", []string{"shop"}},
		{first, "../servlet/servlet-name", []string{"cart", "order"}},
	}
	for _, tc := range cases {
		got, err := tc.from.Text(tc.xpath)
		require.NoError(t, err, tc.xpath)
		assert.Equal(t, tc.want, got, tc.xpath)
	}

	for _, xpath := range []string{"web-app/filter", "web-app/servlet[3]", "web-app/servlet[@id='s9']", "../../.."} {
		got, err := first.ChildBeans(xpath)
		require.NoError(t, err, xpath)
		assert.NotNil(t, got, xpath)
		assert.Empty(t, got, xpath)
	}

	for _, xpath := range []string{"", "web-app//servlet", "servlet[0]", "servlet[@id=s1]", "1servlet", "servlet[1", "servlet]", "servlet[1]x"} {
		_, err := first.ChildBeans(xpath)
		assert.ErrorIs(t, err, models.ErrInvalidXpath, xpath)
	}
}

func TestDiffKeyedByLocation(t *testing.T) {
	old, err := Parse(webXML(twoServlets...), models.ModuleWAR, "WEB-INF/web.xml")
	require.NoError(t, err)

	changed := []servletDef{{"s1", "cart", "shop.Cart"}, {"s2", "orders", "shop.Order"}, {"s3", "pay", "shop.Pay"}}
	cur, err := Parse(webXML(changed...), models.ModuleWAR, "WEB-INF/web.xml")
	require.NoError(t, err)

	events := Diff(old, cur)
	require.Len(t, events, 4)
	assert.Equal(t, EventChanged, events[0].Kind)
	assert.Equal(t, "/web-app[1]/servlet[2]/servlet-name[1]", events[0].Bean.Location())
	assert.Equal(t, []PropertyChange{{Name: TextProperty, Old: "order", New: "orders"}}, events[0].Changes)
	for _, ev := range events[1:] {
		assert.Equal(t, EventAdded, ev.Kind)
		assert.True(t, WithinLocation(ev.Bean.Location(), "/web-app[1]/servlet[3]"))
	}

	removed := Diff(cur, old)
	kinds := map[EventKind]int{}
	for _, ev := range removed {
		kinds[ev.Kind]++
	}
	assert.Equal(t, map[EventKind]int{EventRemoved: 3, EventChanged: 1}, kinds)

	first := Diff(nil, old)
	assert.Len(t, first, 8)
}

func TestDiffReportsAttributeDeltas(t *testing.T) {
	old, _ := Parse([]byte(`<a x="1" y="2"/>`), models.ModuleEJB, "META-INF/ejb-jar.xml")
	cur, _ := Parse([]byte(`<a x="1" y="3" z="4"/>`), models.ModuleEJB, "META-INF/ejb-jar.xml")
	events := Diff(old, cur)
	require.Len(t, events, 1)
	assert.Equal(t, []PropertyChange{
		{Name: "y", Old: "2", New: "3"},
		{Name: "z", New: "4"},
	}, events[0].Changes)
}

/**
 * Test one mutation yields exactly one event for a subscribed pattern
 * @param {*testing.T} t - Testing framework instance
 */
func TestRegistryDeliversOneEventPerMutation(t *testing.T) {
	d, err := NewDeployable(models.ModuleWAR, "shop.war", webXML(twoServlets...))
	require.NoError(t, err)

	names := &recorder{}
	servlets := &recorder{}
	require.NoError(t, d.AddXpathListener("/web-app/servlet/servlet-name", names))
	require.NoError(t, d.AddXpathListener("/web-app/servlet", servlets))

	_, err = d.Refresh(webXML(servletDef{"s1", "cart", "shop.Cart"}, servletDef{"s2", "checkout", "shop.Order"}))
	require.NoError(t, err)
	require.Len(t, names.events, 1)
	assert.Equal(t, EventChanged, names.events[0].Kind)
	assert.Equal(t, "/web-app[1]/servlet[2]/servlet-name[1]", names.events[0].Bean.Location())
	assert.Empty(t, servlets.events)

	_, err = d.Refresh(webXML(servletDef{"s1", "cart", "shop.Cart"}, servletDef{"s2", "checkout", "shop.Order"}, servletDef{"s3", "pay", "shop.Pay"}))
	require.NoError(t, err)
	require.Len(t, servlets.events, 1)
	assert.Equal(t, EventAdded, servlets.events[0].Kind)
	assert.Equal(t, "/web-app[1]/servlet[3]", servlets.events[0].Bean.Location())

	_, err = d.Refresh(webXML(servletDef{"s1", "cart", "shop.Cart"}, servletDef{"s2", "checkout", "shop.Order"}))
	require.NoError(t, err)
	require.Len(t, servlets.events, 2)
	assert.Equal(t, EventRemoved, servlets.events[1].Kind)
	assert.Equal(t, "/web-app[1]/servlet[3]", servlets.events[1].Bean.Location())
}

func TestRegistryDeduplicatesAndUnsubscribes(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	count := 0
	reg.SetEventHook(func(Event) { count++ })

	require.NoError(t, reg.Subscribe("/web-app/servlet", rec))
	require.NoError(t, reg.Subscribe("/web-app/servlet", rec))
	require.NoError(t, reg.Subscribe("/web-app/*", rec))
	require.NoError(t, reg.Subscribe("/web-app/servlet[@id='s1']", rec))
	assert.Equal(t, []string{"/web-app/servlet", "/web-app/*", "/web-app/servlet[@id='s1']"}, reg.Patterns())

	root, _ := Parse(webXML(twoServlets...), models.ModuleWAR, "WEB-INF/web.xml")
	servlets, _ := root.ChildBeans("web-app/servlet")
	delivered := reg.Dispatch([]Event{{Kind: EventAdded, Bean: servlets[0]}})
	assert.Equal(t, 1, delivered)
	assert.Len(t, rec.events, 1)
	assert.Equal(t, 1, count)

	require.NoError(t, reg.Unsubscribe("/web-app/servlet", rec))
	require.NoError(t, reg.Unsubscribe("/web-app/servlet", rec))
	require.NoError(t, reg.Unsubscribe("/web-app/*", rec))
	delivered = reg.Dispatch([]Event{{Kind: EventAdded, Bean: servlets[1]}})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, []string{"/web-app/servlet[@id='s1']"}, reg.Patterns())

	assert.ErrorIs(t, reg.Subscribe("web-app/servlet", rec), models.ErrInvalidXpath)
	assert.ErrorIs(t, reg.Subscribe("/web-app/..", rec), models.ErrInvalidXpath)
	assert.ErrorIs(t, reg.Subscribe("/web-app", nil), models.ErrInvalidArgument)

	fn := NewFuncListener(func(Event) {})
	require.NoError(t, reg.Subscribe("/web-app", fn))
	require.NoError(t, reg.Unsubscribe("/web-app", fn))
}

func TestOpenArchiveDetectsTypes(t *testing.T) {
	war := buildZip(t, zipEntry{"WEB-INF/web.xml", webXML(twoServlets...)}, zipEntry{"index.html", []byte("hi")})
	d, err := OpenArchive("shop.war", war)
	require.NoError(t, err)
	assert.Equal(t, models.ModuleWAR, d.ModuleType())
	assert.Equal(t, "shop", d.ContextRoot())
	assert.Equal(t, []string{"WEB-INF/web.xml", "index.html"}, d.Entries())

	client := buildZip(t, zipEntry{"META-INF/application-client.xml", []byte(`<application-client version="10"/>`)})
	d, err = OpenArchive("launcher.jar", client)
	require.NoError(t, err)
	assert.Equal(t, models.ModuleCAR, d.ModuleType())

	ejb := buildZip(t, zipEntry{"META-INF/ejb-jar.xml", []byte(`<ejb-jar version="4.0"/>`)})
	d, err = OpenArchive("beans.bin", ejb)
	require.NoError(t, err)
	assert.Equal(t, models.ModuleEJB, d.ModuleType())

	_, err = OpenArchive("empty.war", buildZip(t, zipEntry{"index.html", []byte("hi")}))
	assert.ErrorIs(t, err, models.ErrInvalidModule)
	_, err = OpenArchive("broken.ear", []byte("not a zip"))
	assert.ErrorIs(t, err, models.ErrInvalidModule)
}

func TestApplicationNestedModules(t *testing.T) {
	war := buildZip(t, zipEntry{"WEB-INF/web.xml", webXML(twoServlets...)})
	ejb := buildZip(t, zipEntry{"META-INF/ejb-jar.xml", []byte(`<ejb-jar version="4.0"><enterprise-beans><session><ejb-name>Cart</ejb-name></session></enterprise-beans></ejb-jar>`)})
	appXML := []byte(`<application version="10">
  <module><web><web-uri>web.war</web-uri><context-root>/store</context-root></web></module>
  <module><ejb>beans.jar</ejb></module>
</application>`)
	ear := buildZip(t,
		zipEntry{"META-INF/application.xml", appXML},
		zipEntry{"web.war", war},
		zipEntry{"beans.jar", ejb},
	)

	d, err := OpenArchive("shop.ear", ear)
	require.NoError(t, err)
	app, ok := d.AsApplication()
	require.True(t, ok)
	assert.Equal(t, []string{"web.war", "beans.jar"}, app.ModuleURIs(""))
	assert.Equal(t, []string{"beans.jar"}, app.ModuleURIs(models.ModuleEJB))

	web, ok := app.Module("web.war")
	require.True(t, ok)
	assert.Equal(t, "store", web.ContextRoot())

	names, err := app.Text(models.ModuleWAR, "web-app/servlet/servlet-name")
	require.NoError(t, err)
	assert.Equal(t, []string{"cart", "order"}, names)

	beans, err := app.Text(models.ModuleEJB, "ejb-jar/enterprise-beans/session/ejb-name")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cart"}, beans)

	rec := &recorder{}
	require.NoError(t, app.AddXpathListener(models.ModuleWAR, "/web-app/display-name", rec))
	_, err = web.Refresh([]byte(`<web-app version="5.0"><display-name>store</display-name></web-app>`))
	require.NoError(t, err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventChanged, rec.events[0].Kind)

	_, ok = web.AsApplication()
	assert.False(t, ok)
}

func TestApplicationScansEntriesWithoutModuleList(t *testing.T) {
	rar := buildZip(t, zipEntry{"META-INF/ra.xml", []byte(`<connector version="2.1"/>`)})
	ear := buildZip(t,
		zipEntry{"META-INF/application.xml", []byte(`<application version="10"/>`)},
		zipEntry{"jms.rar", rar},
		zipEntry{"lib/util.jar", []byte("ignored")},
	)
	d, err := OpenArchive("bus.ear", ear)
	require.NoError(t, err)
	mods := d.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, models.ModuleRAR, mods[0].ModuleType())
}
