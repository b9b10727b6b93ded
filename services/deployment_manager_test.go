package services

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"deploy-keeper/internal/dconfig"
	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/store"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// 测试时只输出错误日志
	logger.SetOutput(&bytes.Buffer{}, "error")
}

const (
	shopWebXML   = `<web-app version="5.0"><display-name>shop</display-name><servlet id="s1"><servlet-name>cart</servlet-name><servlet-class>shop.Cart</servlet-class></servlet></web-app>`
	ordersEjbXML = `<ejb-jar version="4.0"><enterprise-beans><session><ejb-name>Orders</ejb-name></session></enterprise-beans></ejb-jar>`
	clientXML    = `<application-client version="10"><display-name>admin</display-name></application-client>`
	storeAppXML  = `<application version="10">
  <module><web><web-uri>shop.war</web-uri><context-root>/store</context-root></web></module>
  <module><ejb>orders.jar</ejb></module>
  <module><java>admin.jar</java></module>
</application>`
)

func zipOf(t *testing.T, files ...string) []byte {
	t.Helper()
	require.True(t, len(files)%2 == 0)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i < len(files); i += 2 {
		w, err := zw.Create(files[i])
		require.NoError(t, err)
		_, err = w.Write([]byte(files[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func warArchive(t *testing.T) []byte {
	return zipOf(t, "WEB-INF/web.xml", shopWebXML, "index.html", "<html></html>")
}

func earArchive(t *testing.T) []byte {
	return zipOf(t,
		"META-INF/application.xml", storeAppXML,
		"shop.war", string(warArchive(t)),
		"orders.jar", string(zipOf(t, "META-INF/ejb-jar.xml", ordersEjbXML)),
		"admin.jar", string(zipOf(t, "META-INF/application-client.xml", clientXML)),
	)
}

// gatedDriver blocks every Distribute until the test hands out a token.
type gatedDriver struct {
	*FileDriver
	entered chan string
	gate    chan struct{}
}

func newGatedDriver(fs billy.Filesystem) *gatedDriver {
	return &gatedDriver{
		FileDriver: NewFileDriver(fs),
		entered:    make(chan string, 16),
		gate:       make(chan struct{}, 16),
	}
}

func (g *gatedDriver) Distribute(ctx context.Context, target models.Target, req ArtifactRequest) (string, UndoFunc, error) {
	g.entered <- target.Name
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	return g.FileDriver.Distribute(ctx, target, req)
}

func (g *gatedDriver) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case name := <-g.entered:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("unit never reached the driver")
		return ""
	}
}

type harness struct {
	dm    *DeploymentManager
	store *store.MemoryStore
	fs    billy.Filesystem
}

var testTargets = StaticTargets{
	{Name: "t1", Description: "first"},
	{Name: "t2", Description: "second"},
	{Name: "t3", Description: "third"},
}

func newHarness(t *testing.T, tweak func(*ManagerOptions)) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), fs: memfs.New()}
	opts := ManagerOptions{
		Store:             h.store,
		Targets:           testTargets,
		Driver:            NewFileDriver(h.fs),
		Parallelism:       1,
		RedeploySupported: true,
		CancelSupported:   true,
		StopSupported:     true,
		BeanVersion:       models.ConfigBeanV5,
		WebBaseURL:        "http://{target}:8080",
	}
	if tweak != nil {
		tweak(&opts)
	}
	dm, err := NewDeploymentManager(opts)
	require.NoError(t, err)
	h.dm = dm
	return h
}

func wait(t *testing.T, po *ProgressObject) models.DeploymentStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := po.Wait(ctx)
	require.NoError(t, err)
	return status
}

func targetsOf(names ...string) []models.Target {
	out := make([]models.Target, 0, len(names))
	for _, n := range names {
		out = append(out, models.Target{Name: n})
	}
	return out
}

// eventLog collects progress events.
type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) HandleProgressEvent(e ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ProgressEvent(nil), l.events...)
}

func (h *harness) distribute(t *testing.T, archive []byte, name string, targets ...string) *ProgressObject {
	t.Helper()
	po, err := h.dm.Distribute(context.Background(), targetsOf(targets...), BytesSource{Filename: name, Data: archive}, nil)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, wait(t, po).State)
	return po
}

/**
 * Distribute to one target end to end
 * @description
 * - Tracker is Running right after the call
 * - Completes with exactly one result on the requested target
 * - Artifact and digest land in the target directory
 */
func TestDistributeSingleTarget(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) { o.Driver = driver })

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	require.NoError(t, err)
	assert.True(t, po.Status().IsRunning())
	assert.Equal(t, models.CommandDistribute, po.Status().Command)

	driver.waitEntered(t)
	driver.gate <- struct{}{}
	status := wait(t, po)
	assert.True(t, status.IsCompleted(), status.String())

	results := po.ResultTargetModuleIDs()
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].Target().Name)
	assert.Equal(t, "first", results[0].Target().Description)
	assert.Equal(t, "shop.war", results[0].ModuleID())
	url, ok := results[0].WebURL()
	assert.True(t, ok)
	assert.Equal(t, "http://t1:8080/shop", url)

	data, err := util.ReadFile(fs, "t1/shop.war/shop.war")
	require.NoError(t, err)
	assert.Equal(t, warArchive(t), data)
	digest, err := util.ReadFile(fs, "t1/shop.war/digest")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(digest)), 64)

	rec, err := h.store.GetModule(context.Background(), "t1", "shop.war")
	require.NoError(t, err)
	assert.False(t, rec.Running)
	assert.Equal(t, models.ModuleWAR, rec.Type)
}

func TestDistributeEnterpriseApplicationBuildsTree(t *testing.T) {
	h := newHarness(t, nil)
	po := h.distribute(t, earArchive(t), "store.ear", "t1")

	results := po.ResultTargetModuleIDs()
	require.Len(t, results, 1)
	root := results[0]
	_, hasParent := root.Parent()
	assert.False(t, hasParent)
	assert.True(t, root.IsRoot())
	assert.Equal(t, models.ModuleEAR, root.ModuleType())

	children := root.Children()
	require.Len(t, children, 3)
	assert.Equal(t, "store.ear#shop.war", children[0].ModuleID())
	assert.Equal(t, "store.ear#orders.jar", children[1].ModuleID())
	assert.Equal(t, "store.ear#admin.jar", children[2].ModuleID())
	for _, c := range children {
		parent, ok := c.Parent()
		require.True(t, ok)
		assert.Same(t, root, parent)
		assert.False(t, c.IsRoot())
		assert.Empty(t, c.Children())
	}
	url, ok := children[0].WebURL()
	assert.True(t, ok)
	assert.Equal(t, "http://t1:8080/store", url)
	_, ok = children[1].WebURL()
	assert.False(t, ok)

	client, ok := po.ClientConfiguration(children[2])
	require.True(t, ok)
	assert.Contains(t, client.Descriptor, "application-client")
	assert.Equal(t, "t1/store.ear/store.ear", client.Archive)
	_, ok = po.ClientConfiguration(children[0])
	assert.False(t, ok)
	_, ok = po.ClientConfiguration(nil)
	assert.False(t, ok)

	tree, err := h.dm.ModuleTree(context.Background())
	require.NoError(t, err)
	assert.Len(t, tree.Modules(), 4)
	_, err = tree.Lookup("t1", "missing")
	assert.ErrorIs(t, err, models.ErrModuleNotFound)
}

/**
 * Start on a root touches every node of its subtree once
 * @description
 * - Every module in the subtree ends running
 * - The running marker lists each module exactly once
 * - Non-root ids are rejected synchronously
 */
func TestStartCoversWholeSubtree(t *testing.T) {
	h := newHarness(t, nil)
	root := h.distribute(t, earArchive(t), "store.ear", "t1").ResultTargetModuleIDs()[0]

	_, err := h.dm.Start(context.Background(), []*TargetModuleID{root.Children()[0]})
	assert.ErrorIs(t, err, models.ErrNotRootModule)
	_, err = h.dm.Start(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	po, err := h.dm.Start(context.Background(), []*TargetModuleID{root})
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())

	marker, err := util.ReadFile(h.fs, "t1/store.ear/running")
	require.NoError(t, err)
	ids := strings.Fields(string(marker))
	seen := make(map[string]int)
	for _, id := range ids {
		seen[id]++
	}
	started := po.ResultTargetModuleIDs()[0]
	var visited int
	started.Walk(func(m *TargetModuleID) {
		visited++
		assert.True(t, m.Running(), m.String())
		assert.Equal(t, 1, seen[m.ModuleID()], m.String())
	})
	assert.Equal(t, 4, visited)
	assert.Len(t, ids, 4)

	running, err := h.dm.RunningModules(context.Background(), models.ModuleWAR, targetsOf("t1"))
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "store.ear#shop.war", running[0].ModuleID())
	stopped, err := h.dm.NonRunningModules(context.Background(), models.ModuleWAR, targetsOf("t1"))
	require.NoError(t, err)
	assert.Empty(t, stopped)
	available, err := h.dm.AvailableModules(context.Background(), models.ModuleEAR, targetsOf("t1", "t2"))
	require.NoError(t, err)
	assert.Len(t, available, 1)
	_, err = h.dm.AvailableModules(context.Background(), models.ModuleEAR, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestTerminalStateNeverChanges(t *testing.T) {
	h := newHarness(t, nil)
	log := &eventLog{}
	po, err := h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil, WithProgressListener(log))
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, po.Cancel())
	require.NoError(t, po.Stop())
	h.dm.Release()

	assert.Equal(t, models.StateCompleted, po.Status().State)
	assert.Equal(t, models.ActionExecute, po.Status().Action)
	assert.Len(t, po.ResultTargetModuleIDs(), 1)
	assert.Never(t, func() bool { return len(log.snapshot()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

/**
 * Listener registered before the operation gets one event per target
 * @description
 * - Events arrive in completion order
 * - Only the last event carries the terminal status
 */
func TestListenerReceivesOneEventPerTarget(t *testing.T) {
	h := newHarness(t, nil)
	log := &eventLog{}
	po, err := h.dm.Distribute(context.Background(), targetsOf("t1", "t2", "t3"),
		BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil, WithProgressListener(log))
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())
	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	events := log.snapshot()
	results := po.ResultTargetModuleIDs()
	require.Len(t, results, 3)
	for i, e := range events {
		assert.Same(t, po, e.Source)
		require.NotNil(t, e.Module)
		assert.Equal(t, results[i].String(), e.Module.String())
		if i < len(events)-1 {
			assert.Equal(t, models.StateRunning, e.Status.State)
		} else {
			assert.Equal(t, models.StateCompleted, e.Status.State)
		}
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, []string{events[0].Module.Target().Name, events[1].Module.Target().Name, events[2].Module.Target().Name})
	assert.Never(t, func() bool { return len(log.snapshot()) > 3 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestSlowListenerDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	var slowCount int
	var mu sync.Mutex
	slow := NewProgressListener(func(ProgressEvent) {
		<-release
		mu.Lock()
		slowCount++
		mu.Unlock()
	})
	fast := &eventLog{}

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1", "t2", "t3"),
		BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil,
		WithProgressListener(slow), WithProgressListener(fast))
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slowCount == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) { o.Driver = driver })
	log := &eventLog{}

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1", "t2"),
		BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil, WithProgressListener(log))
	require.NoError(t, err)
	driver.waitEntered(t)
	driver.gate <- struct{}{}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	po.RemoveProgressListener(log)
	driver.waitEntered(t)
	driver.gate <- struct{}{}
	require.True(t, wait(t, po).IsCompleted())
	assert.Never(t, func() bool { return len(log.snapshot()) > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestStopUnsupportedLeavesStateUnchanged(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) {
		o.Driver = driver
		o.StopSupported = false
		o.CancelSupported = false
	})
	po, err := h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	require.NoError(t, err)
	assert.False(t, po.IsStopSupported())

	before := po.Status()
	assert.ErrorIs(t, po.Stop(), models.ErrOperationUnsupported)
	assert.ErrorIs(t, po.Cancel(), models.ErrOperationUnsupported)
	assert.Equal(t, before, po.Status())
	assert.True(t, po.Status().IsRunning())

	driver.waitEntered(t)
	driver.gate <- struct{}{}
	assert.True(t, wait(t, po).IsCompleted())
}

/**
 * Stop lets the in-flight unit finish and skips the others
 * @description
 * - Ends Completed with the stop action
 * - Only the finished target keeps its artifact
 */
func TestStopSkipsPendingUnits(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) { o.Driver = driver })
	log := &eventLog{}

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1", "t2", "t3"),
		BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil, WithProgressListener(log))
	require.NoError(t, err)
	assert.Equal(t, "t1", driver.waitEntered(t))

	require.NoError(t, po.Stop())
	assert.True(t, po.Status().IsRunning())
	driver.gate <- struct{}{}

	status := wait(t, po)
	assert.Equal(t, models.StateCompleted, status.State)
	assert.Equal(t, models.ActionStop, status.Action)
	require.Len(t, po.ResultTargetModuleIDs(), 1)
	assert.Equal(t, "t1", po.ResultTargetModuleIDs()[0].Target().Name)

	_, err = fs.Stat("t2/shop.war")
	assert.Error(t, err)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, log.snapshot()[0].Status.State.Terminal())
}

/**
 * Cancel rolls finished units back
 * @description
 * - The interrupted unit fires no event
 * - Store and target directories are back to the pre-operation state
 * - Ends Failed with the cancel action and no results
 */
func TestCancelRollsBackFinishedUnits(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) { o.Driver = driver })
	log := &eventLog{}

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1", "t2"),
		BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil, WithProgressListener(log))
	require.NoError(t, err)
	assert.Equal(t, "t1", driver.waitEntered(t))
	driver.gate <- struct{}{}
	assert.Equal(t, "t2", driver.waitEntered(t))
	require.Len(t, po.ResultTargetModuleIDs(), 1)

	require.NoError(t, po.Cancel())
	status := wait(t, po)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, models.ActionCancel, status.Action)
	assert.Empty(t, po.ResultTargetModuleIDs())

	records, err := h.store.ListModules(context.Background(), store.ModuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = fs.Stat("t1/shop.war")
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	events := log.snapshot()
	assert.Equal(t, models.StateRunning, events[0].Status.State)
	assert.Nil(t, events[1].Module)
	assert.Equal(t, models.ActionCancel, events[1].Status.Action)
}

func TestUndeployRequiresStoppedSubtree(t *testing.T) {
	h := newHarness(t, nil)
	root := h.distribute(t, earArchive(t), "store.ear", "t1").ResultTargetModuleIDs()[0]

	po, err := h.dm.Start(context.Background(), []*TargetModuleID{root})
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())

	_, err = h.dm.Undeploy(context.Background(), []*TargetModuleID{root})
	assert.ErrorIs(t, err, models.ErrModuleRunning)

	po, err = h.dm.Stop(context.Background(), []*TargetModuleID{root})
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())

	po, err = h.dm.Undeploy(context.Background(), []*TargetModuleID{root})
	require.NoError(t, err)
	assert.False(t, po.IsCancelSupported())
	assert.ErrorIs(t, po.Cancel(), models.ErrOperationUnsupported)
	require.True(t, wait(t, po).IsCompleted())

	records, err := h.store.ListModules(context.Background(), store.ModuleFilter{Target: "t1"})
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = h.fs.Stat("t1/store.ear")
	assert.Error(t, err)

	_, err = h.dm.Undeploy(context.Background(), []*TargetModuleID{root})
	assert.ErrorIs(t, err, models.ErrModuleNotFound)
}

func TestRedeployKeepsRunningModules(t *testing.T) {
	h := newHarness(t, nil)
	root := h.distribute(t, warArchive(t), "shop.war", "t1").ResultTargetModuleIDs()[0]
	po, err := h.dm.Start(context.Background(), []*TargetModuleID{root})
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted())

	updated := zipOf(t, "WEB-INF/web.xml", shopWebXML, "index.html", "<html>v2</html>")
	po, err = h.dm.Redeploy(context.Background(), []*TargetModuleID{root}, BytesSource{Filename: "shop-v2.war", Data: updated}, nil)
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted(), po.Status().String())

	rec, err := h.store.GetModule(context.Background(), "t1", "shop.war")
	require.NoError(t, err)
	assert.True(t, rec.Running)
	assert.Equal(t, "t1/shop.war/shop-v2.war", rec.Archive)
	marker, err := util.ReadFile(h.fs, "t1/shop.war/running")
	require.NoError(t, err)
	assert.Equal(t, "shop.war", strings.TrimSpace(string(marker)))

	po, err = h.dm.Redeploy(context.Background(), []*TargetModuleID{root}, BytesSource{Filename: "store.ear", Data: earArchive(t)}, nil)
	require.NoError(t, err)
	assert.True(t, wait(t, po).IsFailed())
}

func TestRedeployUnsupported(t *testing.T) {
	h := newHarness(t, func(o *ManagerOptions) { o.RedeploySupported = false })
	assert.False(t, h.dm.IsRedeploySupported())
	_, err := h.dm.Redeploy(context.Background(), nil, BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	assert.ErrorIs(t, err, models.ErrOperationUnsupported)
}

func TestDistributeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.dm.Distribute(ctx, nil, BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = h.dm.Distribute(ctx, targetsOf("nowhere"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = h.dm.Distribute(ctx, targetsOf("t1"), nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = h.dm.Distribute(ctx, targetsOf("t1"), FileSource{Path: t.TempDir() + "/missing.war"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	// 描述符校验在异步单元中进行
	po, err := h.dm.Distribute(ctx, targetsOf("t1", "t2"), BytesSource{Filename: "broken.war", Data: []byte("not a zip")}, nil)
	require.NoError(t, err)
	status := wait(t, po)
	assert.True(t, status.IsFailed())
	assert.Contains(t, status.Message, "2 of 2")
	assert.Empty(t, po.ResultTargetModuleIDs())
}

func TestDistributeWithDeploymentPlan(t *testing.T) {
	h := newHarness(t, nil)
	archive := warArchive(t)

	d, err := descriptor.OpenArchive("shop.war", archive)
	require.NoError(t, err)
	cfg, err := h.dm.CreateConfiguration(d)
	require.NoError(t, err)
	root, err := cfg.ConfigBeanRoot(d.DDBeanRoot())
	require.NoError(t, err)
	root.SetProperty("context-root", "/shop")
	var plan bytes.Buffer
	require.NoError(t, cfg.Save(&plan))

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1"),
		BytesSource{Filename: "shop.war", Data: archive},
		BytesSource{Filename: "plan.xml", Data: plan.Bytes()})
	require.NoError(t, err)
	require.True(t, wait(t, po).IsCompleted(), po.Status().String())
	stored, err := util.ReadFile(h.fs, "t1/shop.war/deployment-plan.xml")
	require.NoError(t, err)
	assert.Equal(t, plan.Bytes(), stored)

	po, err = h.dm.Distribute(context.Background(), targetsOf("t2"),
		BytesSource{Filename: "shop.war", Data: archive},
		BytesSource{Filename: "plan.xml", Data: []byte("<not-a-plan/>")})
	require.NoError(t, err)
	assert.True(t, wait(t, po).IsFailed())
}

func TestDisconnectedManager(t *testing.T) {
	dm, err := NewDeploymentManager(ManagerOptions{Disconnected: true})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = dm.Targets(ctx)
	assert.ErrorIs(t, err, models.ErrIllegalState)
	_, err = dm.Distribute(ctx, targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	assert.ErrorIs(t, err, models.ErrIllegalState)
	_, err = dm.Start(ctx, nil)
	assert.ErrorIs(t, err, models.ErrIllegalState)
	_, err = dm.RunningModules(ctx, models.ModuleWAR, targetsOf("t1"))
	assert.ErrorIs(t, err, models.ErrIllegalState)

	d, err := descriptor.OpenArchive("shop.war", warArchive(t))
	require.NoError(t, err)
	cfg, err := dm.CreateConfiguration(d)
	require.NoError(t, err)
	assert.Equal(t, models.ConfigBeanV5, cfg.Version())
}

/**
 * Release lets running operations end Released
 * @description
 * - New calls fail with models.ErrIllegalState, Release is idempotent
 * - Drain returns once the running operation ends
 */
func TestReleaseEndsRunningOperationsReleased(t *testing.T) {
	fs := memfs.New()
	driver := newGatedDriver(fs)
	h := newHarness(t, func(o *ManagerOptions) { o.Driver = driver })

	po, err := h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	require.NoError(t, err)
	driver.waitEntered(t)

	h.dm.Release()
	h.dm.Release()
	assert.True(t, h.dm.IsReleased())
	_, err = h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
	assert.ErrorIs(t, err, models.ErrIllegalState)
	_, err = h.dm.CreateConfiguration(nil)
	assert.ErrorIs(t, err, models.ErrIllegalState)

	driver.gate <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dm.Drain(ctx))
	assert.Equal(t, models.StateReleased, po.Status().State)
	assert.Len(t, po.ResultTargetModuleIDs(), 1)

	history, err := h.dm.Operations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, po.ID(), history[0].ID)
	assert.Equal(t, models.StateReleased, history[0].State)
	found, ok := h.dm.Operation(po.ID())
	assert.True(t, ok)
	assert.Same(t, po, found)
}

// gatedTargets blocks the first Targets call until gate is closed.
type gatedTargets struct {
	StaticTargets
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedTargets) Targets(ctx context.Context) ([]models.Target, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.StaticTargets.Targets(ctx)
}

/**
 * Release while a call is still preparing its operation
 * @description
 * - Distribute blocked in the target lookup fails with models.ErrIllegalState once released
 * - No tracker is registered and Drain returns at once
 */
func TestReleaseDuringDistributeRefusesOperation(t *testing.T) {
	targets := &gatedTargets{StaticTargets: testTargets, entered: make(chan struct{}), gate: make(chan struct{})}
	h := newHarness(t, func(o *ManagerOptions) { o.Targets = targets })

	type result struct {
		po  *ProgressObject
		err error
	}
	done := make(chan result, 1)
	go func() {
		po, err := h.dm.Distribute(context.Background(), targetsOf("t1"), BytesSource{Filename: "shop.war", Data: warArchive(t)}, nil)
		done <- result{po, err}
	}()
	<-targets.entered

	h.dm.Release()
	close(targets.gate)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("distribute never returned")
	}
	assert.ErrorIs(t, res.err, models.ErrIllegalState)
	assert.Nil(t, res.po)
	assert.Empty(t, h.dm.ActiveOperations())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.dm.Drain(ctx))
	history, err := h.dm.Operations(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConfigBeanVersion(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, models.ConfigBeanV5, h.dm.ConfigBeanVersion())
	assert.True(t, h.dm.IsConfigBeanVersionSupported(models.ConfigBeanV1_4))
	assert.False(t, h.dm.IsConfigBeanVersionSupported(models.ConfigBeanV1_3))

	assert.ErrorIs(t, h.dm.SetConfigBeanVersion(models.ConfigBeanV1_3), models.ErrConfigBeanVersionUnsupported)
	require.NoError(t, h.dm.SetConfigBeanVersion(models.ConfigBeanV1_4))
	assert.Equal(t, models.ConfigBeanV1_4, h.dm.ConfigBeanVersion())

	_, err := NewDeploymentManager(ManagerOptions{Disconnected: true, BeanVersion: models.ConfigBeanV1_3, Configs: dconfig.NewFactory()})
	assert.ErrorIs(t, err, models.ErrManagerCreation)
	assert.ErrorIs(t, err, models.ErrConfigBeanVersionUnsupported)
}

func TestOperationsOnSameRootAreSerialized(t *testing.T) {
	h := newHarness(t, func(o *ManagerOptions) { o.Parallelism = 4 })
	root := h.distribute(t, warArchive(t), "shop.war", "t1").ResultTargetModuleIDs()[0]

	var ops []*ProgressObject
	for i := 0; i < 5; i++ {
		start, err := h.dm.Start(context.Background(), []*TargetModuleID{root})
		require.NoError(t, err)
		stop, err := h.dm.Stop(context.Background(), []*TargetModuleID{root})
		require.NoError(t, err)
		ops = append(ops, start, stop)
	}
	for _, po := range ops {
		assert.True(t, wait(t, po).IsCompleted())
	}
	records, err := h.store.ListModules(context.Background(), store.ModuleFilter{Target: "t1", RootID: "shop.war"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
