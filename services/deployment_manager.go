package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"deploy-keeper/internal/dconfig"
	"deploy-keeper/internal/descriptor"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/store"

	"golang.org/x/sync/errgroup"
)

const recentOperations = 64

/**
 * Deployment manager options
 * @property {store.ModuleStore} Store - Module registry
 * @property {TargetRegistry} Targets - Target registry
 * @property {TargetDriver} Driver - Server side of operations
 * @property {*dconfig.Factory} Configs - Config bean factory
 * @property {int} Parallelism - Max units of one operation running at once
 * @property {models.ConfigBeanVersion} BeanVersion - Initial config bean version
 * @property {bool} Disconnected - Refuse every server touching call
 * @property {string} WebBaseURL - Base URL of web modules, {target} is replaced by the target name
 * @property {[]io.Closer} Closers - Closed after release once every operation ended
 */
type ManagerOptions struct {
	Store             store.ModuleStore
	Targets           TargetRegistry
	Driver            TargetDriver
	Configs           *dconfig.Factory
	Parallelism       int
	RedeploySupported bool
	CancelSupported   bool
	StopSupported     bool
	BeanVersion       models.ConfigBeanVersion
	Disconnected      bool
	WebBaseURL        string
	Closers           []io.Closer
}

type unitFunc func(ctx context.Context) (unitResult, error)

/**
 * Deployment manager
 * @description
 * - Issues asynchronous operations, one unit of work per (target, root module)
 * - Units touching the same root module are serialized
 * - Release refuses new calls and lets running operations end, they end Released
 */
type DeploymentManager struct {
	opts   ManagerOptions
	ctx    context.Context
	cancel context.CancelFunc
	locks  *rootLocks

	mu       sync.Mutex
	released bool
	version  models.ConfigBeanVersion
	active   map[string]*ProgressObject
	recent   []*ProgressObject
	inflight sync.WaitGroup
}

/**
 * Create a deployment manager
 * @param {ManagerOptions} opts - Options, Store/Targets/Driver are required unless disconnected
 * @returns {(*DeploymentManager, error)} Manager
 * @throws
 * - models.ErrManagerCreation for missing collaborators or an unsupported bean version
 */
func NewDeploymentManager(opts ManagerOptions) (*DeploymentManager, error) {
	if !opts.Disconnected && (opts.Store == nil || opts.Targets == nil || opts.Driver == nil) {
		return nil, fmt.Errorf("%w: store, target registry and driver are required", models.ErrManagerCreation)
	}
	if opts.Configs == nil {
		opts.Configs = dconfig.NewFactory()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.BeanVersion == "" {
		opts.BeanVersion = models.ConfigBeanV5
	}
	if !opts.Configs.SupportsVersion(opts.BeanVersion) {
		return nil, fmt.Errorf("%w: %w: %s", models.ErrManagerCreation, models.ErrConfigBeanVersionUnsupported, opts.BeanVersion)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeploymentManager{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		locks:   newRootLocks(),
		version: opts.BeanVersion,
		active:  make(map[string]*ProgressObject),
	}, nil
}

func (m *DeploymentManager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return fmt.Errorf("%w: deployment manager released", models.ErrIllegalState)
	}
	return nil
}

func (m *DeploymentManager) checkConnected() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.opts.Disconnected {
		return fmt.Errorf("%w: deployment manager is disconnected", models.ErrIllegalState)
	}
	return nil
}

func (m *DeploymentManager) IsDisconnected() bool { return m.opts.Disconnected }

func (m *DeploymentManager) IsRedeploySupported() bool { return m.opts.RedeploySupported }

// Targets lists the targets of the registry.
func (m *DeploymentManager) Targets(ctx context.Context) ([]models.Target, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	return m.opts.Targets.Targets(ctx)
}

func (m *DeploymentManager) targetMap(ctx context.Context) (map[string]models.Target, error) {
	targets, err := m.opts.Targets.Targets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		out[t.Name] = t
	}
	return out, nil
}

// ModuleTree builds the current module forest of every target.
func (m *DeploymentManager) ModuleTree(ctx context.Context) (*ModuleTree, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	return m.moduleTree(ctx, store.ModuleFilter{})
}

func (m *DeploymentManager) moduleTree(ctx context.Context, filter store.ModuleFilter) (*ModuleTree, error) {
	targets, err := m.targetMap(ctx)
	if err != nil {
		return nil, err
	}
	records, err := m.opts.Store.ListModules(ctx, filter)
	if err != nil {
		return nil, err
	}
	return BuildModuleTree(records, targets), nil
}

/**
 * Resolve module references against the current tree
 * @param {[]models.ModuleRef} refs - Target and module id pairs
 * @returns {([]*TargetModuleID, error)} Modules in request order
 * @throws
 * - models.ErrModuleNotFound for unknown references
 */
func (m *DeploymentManager) ResolveModules(ctx context.Context, refs []models.ModuleRef) ([]*TargetModuleID, error) {
	tree, err := m.ModuleTree(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*TargetModuleID, 0, len(refs))
	for _, ref := range refs {
		mod, err := tree.Lookup(ref.Target, ref.ModuleID)
		if err != nil {
			return nil, err
		}
		out = append(out, mod)
	}
	return out, nil
}

// RunningModules lists started modules of a type on the given targets.
func (m *DeploymentManager) RunningModules(ctx context.Context, moduleType models.ModuleType, targets []models.Target) ([]*TargetModuleID, error) {
	return m.queryModules(ctx, moduleType, targets, func(mod *TargetModuleID) bool { return mod.running })
}

// NonRunningModules lists stopped modules of a type on the given targets.
func (m *DeploymentManager) NonRunningModules(ctx context.Context, moduleType models.ModuleType, targets []models.Target) ([]*TargetModuleID, error) {
	return m.queryModules(ctx, moduleType, targets, func(mod *TargetModuleID) bool { return !mod.running })
}

// AvailableModules lists every module of a type on the given targets.
func (m *DeploymentManager) AvailableModules(ctx context.Context, moduleType models.ModuleType, targets []models.Target) ([]*TargetModuleID, error) {
	return m.queryModules(ctx, moduleType, targets, func(*TargetModuleID) bool { return true })
}

func (m *DeploymentManager) queryModules(ctx context.Context, moduleType models.ModuleType, targets []models.Target, keep func(*TargetModuleID) bool) ([]*TargetModuleID, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	if !moduleType.Valid() {
		return nil, fmt.Errorf("%w: unknown module type %q", models.ErrInvalidArgument, moduleType)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target is required", models.ErrInvalidArgument)
	}
	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t.Name] = true
	}
	tree, err := m.moduleTree(ctx, store.ModuleFilter{})
	if err != nil {
		return nil, err
	}
	out := []*TargetModuleID{}
	for _, mod := range tree.Modules() {
		if wanted[mod.target.Name] && mod.moduleType == moduleType && keep(mod) {
			out = append(out, mod)
		}
	}
	return out, nil
}

func (m *DeploymentManager) checkTargets(ctx context.Context, targets []models.Target) ([]models.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target is required", models.ErrInvalidArgument)
	}
	known, err := m.targetMap(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Target, 0, len(targets))
	seen := make(map[string]bool)
	for _, t := range targets {
		kt, ok := known[t.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown target %q", models.ErrInvalidArgument, t.Name)
		}
		if !seen[t.Name] {
			seen[t.Name] = true
			out = append(out, kt)
		}
	}
	return out, nil
}

func (m *DeploymentManager) checkRoots(ids []*TargetModuleID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one module is required", models.ErrInvalidArgument)
	}
	for _, id := range ids {
		if id == nil {
			return fmt.Errorf("%w: nil module id", models.ErrInvalidArgument)
		}
		if !id.IsRoot() {
			return fmt.Errorf("%w: %s", models.ErrNotRootModule, id)
		}
	}
	return nil
}

// currentRoots re-reads the given roots from the store.
func (m *DeploymentManager) currentRoots(ctx context.Context, ids []*TargetModuleID) ([]*TargetModuleID, error) {
	if err := m.checkRoots(ids); err != nil {
		return nil, err
	}
	tree, err := m.moduleTree(ctx, store.ModuleFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*TargetModuleID, 0, len(ids))
	seen := make(map[moduleKey]bool)
	for _, id := range ids {
		cur, err := tree.Lookup(id.target.Name, id.id)
		if err != nil {
			return nil, err
		}
		if !cur.IsRoot() {
			return nil, fmt.Errorf("%w: %s", models.ErrNotRootModule, cur)
		}
		key := moduleKey{cur.target.Name, cur.id}
		if !seen[key] {
			seen[key] = true
			out = append(out, cur)
		}
	}
	return out, nil
}

/**
 * Distribute a module archive to targets
 * @param {[]models.Target} targets - Targets, every one must be known to the registry
 * @param {ArchiveSource} archive - Module archive
 * @param {ArchiveSource} plan - Deployment plan, nil for none
 * @returns {(*ProgressObject, error)} Running operation, one unit per target
 * @description
 * - Sources are read before the call returns
 * - The descriptor and plan are validated by every unit, an invalid archive fails every unit
 * - The root module id is the archive name, nested modules are "<root>#<uri>"
 * @throws
 * - models.ErrIllegalState when released or disconnected
 * - models.ErrInvalidArgument for unknown targets or unreadable sources
 */
func (m *DeploymentManager) Distribute(ctx context.Context, targets []models.Target, archive, plan ArchiveSource, opts ...OperationOption) (*ProgressObject, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	targets, err := m.checkTargets(ctx, targets)
	if err != nil {
		return nil, err
	}
	art, err := loadArchive(archive)
	if err != nil {
		return nil, err
	}
	var planData []byte
	if plan != nil {
		p, err := loadArchive(plan)
		if err != nil {
			return nil, err
		}
		planData = p.data
	}

	parsed := m.parseOnce(art, planData)
	units := make([]unitFunc, 0, len(targets))
	for _, t := range targets {
		t := t
		units = append(units, func(ctx context.Context) (unitResult, error) {
			d, err := parsed()
			if err != nil {
				return unitResult{}, fmt.Errorf("%s: %w", t.Name, err)
			}
			return m.distributeUnit(ctx, t, art.name, d, art, planData, false)
		})
	}
	logger.Infof("Distribute %s to %d target(s)", art.name, len(targets))
	return m.launch(models.CommandDistribute, units, opts)
}

// parseOnce opens the archive and checks the plan at most once for all units.
func (m *DeploymentManager) parseOnce(art *loadedArchive, plan []byte) func() (*descriptor.Deployable, error) {
	var (
		once sync.Once
		d    *descriptor.Deployable
		err  error
	)
	version := m.ConfigBeanVersion()
	return func() (*descriptor.Deployable, error) {
		once.Do(func() {
			d, err = descriptor.OpenArchive(art.name, art.data)
			if err != nil || plan == nil {
				return
			}
			var cfg *dconfig.Configuration
			cfg, err = dconfig.NewConfiguration(m.opts.Configs, d, version)
			if err != nil {
				return
			}
			err = cfg.Restore(bytes.NewReader(plan))
		})
		return d, err
	}
}

func (m *DeploymentManager) webURL(target models.Target, contextRoot string) string {
	if m.opts.WebBaseURL == "" {
		return ""
	}
	base := strings.TrimSuffix(strings.ReplaceAll(m.opts.WebBaseURL, "{target}", target.Name), "/")
	return base + "/" + strings.Trim(contextRoot, "/")
}

/**
 * Build the store records of a distributed archive
 * @returns {[]models.ModuleRecord} Root record first, nested modules in archive order
 */
func (m *DeploymentManager) buildRecords(target models.Target, rootID string, d *descriptor.Deployable, archivePath, digest string, running map[string]bool) []models.ModuleRecord {
	now := time.Now()
	root := models.ModuleRecord{
		Target:    target.Name,
		ModuleID:  rootID,
		RootID:    rootID,
		Type:      d.ModuleType(),
		Running:   running[rootID],
		Archive:   archivePath,
		Digest:    digest,
		UpdatedAt: now,
	}
	if d.ModuleType() == models.ModuleWAR {
		root.WebURL = m.webURL(target, d.ContextRoot())
	}
	records := []models.ModuleRecord{root}
	for i, sub := range d.Modules() {
		id := rootID + "#" + sub.URI()
		rec := models.ModuleRecord{
			Target:    target.Name,
			ModuleID:  id,
			ParentID:  rootID,
			RootID:    rootID,
			Position:  i,
			Type:      sub.ModuleType(),
			Running:   running[id],
			Archive:   archivePath,
			UpdatedAt: now,
		}
		if sub.ModuleType() == models.ModuleWAR {
			rec.WebURL = m.webURL(target, sub.ContextRoot())
		}
		records = append(records, rec)
	}
	return records
}

func clientConfigurations(target models.Target, rootID, archivePath string, d *descriptor.Deployable) []ClientConfiguration {
	var out []ClientConfiguration
	add := func(id string, mod *descriptor.Deployable) {
		if mod.ModuleType() != models.ModuleCAR {
			return
		}
		raw, err := mod.Entry(models.ModuleCAR.DescriptorName())
		if err != nil {
			logger.Warnf("Read client descriptor of %s failed: %v", id, err)
			return
		}
		out = append(out, ClientConfiguration{Target: target.Name, ModuleID: id, Archive: archivePath, Descriptor: string(raw)})
	}
	add(rootID, d)
	for _, sub := range d.Modules() {
		add(rootID+"#"+sub.URI(), sub)
	}
	return out
}

// restoreRoot puts back the records of a root subtree and its artifacts.
func (m *DeploymentManager) restoreRoot(target models.Target, rootID string, prev []models.ModuleRecord, files UndoFunc) UndoFunc {
	return func(ctx context.Context) error {
		unlock, err := m.locks.lock(ctx, target.Name, rootID)
		if err != nil {
			return err
		}
		defer unlock()
		if files != nil {
			if err := files(ctx); err != nil {
				return err
			}
		}
		if err := m.opts.Store.ReplaceRoot(ctx, target.Name, rootID, prev); err != nil {
			return err
		}
		logger.Infof("Rolled back %s/%s", target.Name, rootID)
		return nil
	}
}

func (m *DeploymentManager) subtree(target models.Target, records []models.ModuleRecord) *TargetModuleID {
	tree := BuildModuleTree(records, map[string]models.Target{target.Name: target})
	roots := tree.Roots()
	if len(roots) == 0 {
		return nil
	}
	return roots[0]
}

func anyRunning(records []models.ModuleRecord) (string, bool) {
	for _, r := range records {
		if r.Running {
			return r.ModuleID, true
		}
	}
	return "", false
}

func (m *DeploymentManager) distributeUnit(ctx context.Context, target models.Target, rootID string, d *descriptor.Deployable, art *loadedArchive, plan []byte, keepRunning bool) (unitResult, error) {
	unlock, err := m.locks.lock(ctx, target.Name, rootID)
	if err != nil {
		return unitResult{}, err
	}
	defer unlock()

	prev, err := m.opts.Store.ListModules(ctx, store.ModuleFilter{Target: target.Name, RootID: rootID})
	if err != nil {
		return unitResult{}, err
	}
	running := make(map[string]bool)
	if keepRunning {
		if len(prev) == 0 {
			return unitResult{}, fmt.Errorf("%w: %s/%s", models.ErrModuleNotFound, target.Name, rootID)
		}
		if prev[0].Type != "" && prev[0].Type != d.ModuleType() {
			return unitResult{}, fmt.Errorf("%w: %s/%s is %s, archive is %s", models.ErrInvalidModule, target.Name, rootID, prev[0].Type, d.ModuleType())
		}
		for _, r := range prev {
			running[r.ModuleID] = r.Running
		}
	} else if id, ok := anyRunning(prev); ok {
		return unitResult{}, fmt.Errorf("%w: %s/%s", models.ErrModuleRunning, target.Name, id)
	}

	archivePath, undoFiles, err := m.opts.Driver.Distribute(ctx, target, ArtifactRequest{
		RootID:   rootID,
		Filename: art.name,
		Archive:  art.data,
		Plan:     plan,
		Digest:   art.digest,
	})
	if err != nil {
		return unitResult{}, fmt.Errorf("%s: %w", target.Name, err)
	}
	records := m.buildRecords(target, rootID, d, archivePath, art.digest, running)
	undo := m.restoreRoot(target, rootID, prev, undoFiles)

	if keepRunning {
		var started []string
		for _, r := range records {
			if r.Running {
				started = append(started, r.ModuleID)
			}
		}
		if len(started) > 0 {
			if _, err := m.opts.Driver.SetRunning(ctx, target, rootID, started, true); err != nil {
				_ = undoFiles(context.Background())
				return unitResult{}, fmt.Errorf("%s: restart %s: %w", target.Name, rootID, err)
			}
		}
	}
	if err := m.opts.Store.ReplaceRoot(ctx, target.Name, rootID, records); err != nil {
		_ = undoFiles(context.Background())
		return unitResult{}, fmt.Errorf("%s: record %s: %w", target.Name, rootID, err)
	}

	module := m.subtree(target, records)
	return unitResult{
		module:  module,
		undo:    undo,
		clients: clientConfigurations(target, rootID, archivePath, d),
		message: fmt.Sprintf("%s distributed to %s", rootID, target.Name),
	}, nil
}

/**
 * Start root modules and their nested modules
 * @param {[]*TargetModuleID} ids - Root modules
 * @returns {(*ProgressObject, error)} Running operation, one unit per root
 * @throws
 * - models.ErrNotRootModule when an id is not a root
 * - models.ErrModuleNotFound when an id is unknown
 */
func (m *DeploymentManager) Start(ctx context.Context, ids []*TargetModuleID, opts ...OperationOption) (*ProgressObject, error) {
	return m.setRunning(ctx, models.CommandStart, ids, true, opts)
}

// Stop stops root modules and their nested modules.
func (m *DeploymentManager) Stop(ctx context.Context, ids []*TargetModuleID, opts ...OperationOption) (*ProgressObject, error) {
	return m.setRunning(ctx, models.CommandStop, ids, false, opts)
}

func (m *DeploymentManager) setRunning(ctx context.Context, command models.CommandType, ids []*TargetModuleID, running bool, opts []OperationOption) (*ProgressObject, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	roots, err := m.currentRoots(ctx, ids)
	if err != nil {
		return nil, err
	}
	units := make([]unitFunc, 0, len(roots))
	for _, r := range roots {
		target, rootID := r.target, r.id
		units = append(units, func(ctx context.Context) (unitResult, error) {
			return m.setRunningUnit(ctx, target, rootID, running)
		})
	}
	logger.Infof("%s %d root module(s)", command, len(roots))
	return m.launch(command, units, opts)
}

func (m *DeploymentManager) setRunningUnit(ctx context.Context, target models.Target, rootID string, running bool) (unitResult, error) {
	unlock, err := m.locks.lock(ctx, target.Name, rootID)
	if err != nil {
		return unitResult{}, err
	}
	defer unlock()

	prev, err := m.opts.Store.ListModules(ctx, store.ModuleFilter{Target: target.Name, RootID: rootID})
	if err != nil {
		return unitResult{}, err
	}
	if len(prev) == 0 {
		return unitResult{}, fmt.Errorf("%w: %s/%s", models.ErrModuleNotFound, target.Name, rootID)
	}
	ids := make([]string, 0, len(prev))
	records := make([]models.ModuleRecord, len(prev))
	for i, r := range prev {
		ids = append(ids, r.ModuleID)
		r.Running = running
		r.UpdatedAt = time.Now()
		records[i] = r
	}
	undoMarker, err := m.opts.Driver.SetRunning(ctx, target, rootID, ids, running)
	if err != nil {
		return unitResult{}, fmt.Errorf("%s: %w", target.Name, err)
	}
	if err := m.opts.Store.ReplaceRoot(ctx, target.Name, rootID, records); err != nil {
		_ = undoMarker(context.Background())
		return unitResult{}, fmt.Errorf("%s: record %s: %w", target.Name, rootID, err)
	}
	verb := "stopped"
	if running {
		verb = "started"
	}
	return unitResult{
		module:  m.subtree(target, records),
		undo:    m.restoreRoot(target, rootID, prev, undoMarker),
		message: fmt.Sprintf("%s %s on %s (%d module(s))", rootID, verb, target.Name, len(records)),
	}, nil
}

/**
 * Undeploy root modules
 * @param {[]*TargetModuleID} ids - Root modules, every module of each subtree must be stopped
 * @returns {(*ProgressObject, error)} Running operation, cancel is not supported
 * @throws
 * - models.ErrModuleRunning when a module of a subtree is running
 */
func (m *DeploymentManager) Undeploy(ctx context.Context, ids []*TargetModuleID, opts ...OperationOption) (*ProgressObject, error) {
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	roots, err := m.currentRoots(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range roots {
		var running *TargetModuleID
		r.Walk(func(mod *TargetModuleID) {
			if running == nil && mod.running {
				running = mod
			}
		})
		if running != nil {
			return nil, fmt.Errorf("%w: %s must be stopped first", models.ErrModuleRunning, running)
		}
	}
	units := make([]unitFunc, 0, len(roots))
	for _, r := range roots {
		target, rootID := r.target, r.id
		units = append(units, func(ctx context.Context) (unitResult, error) {
			return m.undeployUnit(ctx, target, rootID)
		})
	}
	logger.Infof("Undeploy %d root module(s)", len(roots))
	return m.launch(models.CommandUndeploy, units, opts)
}

func (m *DeploymentManager) undeployUnit(ctx context.Context, target models.Target, rootID string) (unitResult, error) {
	unlock, err := m.locks.lock(ctx, target.Name, rootID)
	if err != nil {
		return unitResult{}, err
	}
	defer unlock()

	prev, err := m.opts.Store.ListModules(ctx, store.ModuleFilter{Target: target.Name, RootID: rootID})
	if err != nil {
		return unitResult{}, err
	}
	if len(prev) == 0 {
		return unitResult{}, fmt.Errorf("%w: %s/%s", models.ErrModuleNotFound, target.Name, rootID)
	}
	if id, ok := anyRunning(prev); ok {
		return unitResult{}, fmt.Errorf("%w: %s/%s", models.ErrModuleRunning, target.Name, id)
	}
	undoFiles, err := m.opts.Driver.Undeploy(ctx, target, rootID)
	if err != nil {
		return unitResult{}, fmt.Errorf("%s: %w", target.Name, err)
	}
	if err := m.opts.Store.ReplaceRoot(ctx, target.Name, rootID, nil); err != nil {
		_ = undoFiles(context.Background())
		return unitResult{}, fmt.Errorf("%s: record %s: %w", target.Name, rootID, err)
	}
	return unitResult{
		module:  m.subtree(target, prev),
		undo:    m.restoreRoot(target, rootID, prev, undoFiles),
		message: fmt.Sprintf("%s undeployed from %s", rootID, target.Name),
	}, nil
}

/**
 * Replace the archive of deployed root modules
 * @param {[]*TargetModuleID} ids - Root modules to replace
 * @param {ArchiveSource} archive - New archive, must have the type of every root
 * @param {ArchiveSource} plan - Deployment plan, nil for none
 * @returns {(*ProgressObject, error)} Running operation, running modules stay running
 * @throws
 * - models.ErrOperationUnsupported when redeploy is disabled
 */
func (m *DeploymentManager) Redeploy(ctx context.Context, ids []*TargetModuleID, archive, plan ArchiveSource, opts ...OperationOption) (*ProgressObject, error) {
	if !m.opts.RedeploySupported {
		return nil, fmt.Errorf("%w: redeploy", models.ErrOperationUnsupported)
	}
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	roots, err := m.currentRoots(ctx, ids)
	if err != nil {
		return nil, err
	}
	art, err := loadArchive(archive)
	if err != nil {
		return nil, err
	}
	var planData []byte
	if plan != nil {
		p, err := loadArchive(plan)
		if err != nil {
			return nil, err
		}
		planData = p.data
	}
	parsed := m.parseOnce(art, planData)
	units := make([]unitFunc, 0, len(roots))
	for _, r := range roots {
		target, rootID := r.target, r.id
		units = append(units, func(ctx context.Context) (unitResult, error) {
			d, err := parsed()
			if err != nil {
				return unitResult{}, fmt.Errorf("%s: %w", target.Name, err)
			}
			res, err := m.distributeUnit(ctx, target, rootID, d, art, planData, true)
			if err == nil {
				res.message = fmt.Sprintf("%s redeployed on %s", rootID, target.Name)
			}
			return res, err
		})
	}
	logger.Infof("Redeploy %s to %d root module(s)", art.name, len(roots))
	return m.launch(models.CommandRedeploy, units, opts)
}

/**
 * Create the operation and run its units on the manager's context
 * @returns {(*ProgressObject, error)} Running operation
 * @description
 * - The released check and the registration share one critical section with Release
 * @throws
 * - models.ErrIllegalState when the manager was released while the call prepared its units
 */
func (m *DeploymentManager) launch(command models.CommandType, units []unitFunc, opts []OperationOption) (*ProgressObject, error) {
	po := newProgressObject(command, len(units), m.opts.CancelSupported, m.opts.StopSupported)
	ctx, cancel := context.WithCancel(m.ctx)
	po.cancelFn = cancel
	po.onFinish = m.finished
	for _, opt := range opts {
		opt(po)
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: deployment manager released", models.ErrIllegalState)
	}
	m.active[po.id] = po
	m.inflight.Add(1)
	m.mu.Unlock()
	operationStarted()

	go func() {
		g := new(errgroup.Group)
		g.SetLimit(m.opts.Parallelism)
		for _, u := range units {
			u := u
			g.Go(func() error {
				if !po.beginUnit() {
					return nil
				}
				res, err := u(ctx)
				po.unitDone(res, err)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return po, nil
}

func (m *DeploymentManager) finished(po *ProgressObject) {
	m.mu.Lock()
	delete(m.active, po.id)
	m.recent = append(m.recent, po)
	if len(m.recent) > recentOperations {
		m.recent = m.recent[len(m.recent)-recentOperations:]
	}
	m.mu.Unlock()

	rec := po.record()
	operationFinished(po.Status(), rec.FinishTime.Sub(rec.StartTime))
	if m.opts.Store != nil {
		if err := m.opts.Store.SaveOperation(context.Background(), rec); err != nil {
			logger.Errorf("Save operation %s failed: %v", po.id, err)
		}
	}
	m.inflight.Done()
}

// Operation finds a running or recently finished operation.
func (m *DeploymentManager) Operation(id string) (*ProgressObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if po, ok := m.active[id]; ok {
		return po, true
	}
	for _, po := range m.recent {
		if po.id == id {
			return po, true
		}
	}
	return nil, false
}

// ActiveOperations returns the operations still running.
func (m *DeploymentManager) ActiveOperations() []*ProgressObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ProgressObject, 0, len(m.active))
	for _, po := range m.active {
		out = append(out, po)
	}
	return out
}

// Operations lists the recorded history, newest first.
func (m *DeploymentManager) Operations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	if m.opts.Store == nil {
		return []models.OperationRecord{}, nil
	}
	return m.opts.Store.ListOperations(ctx, limit)
}

/**
 * Release the manager
 * @description
 * - Idempotent, later calls fail with models.ErrIllegalState
 * - Running operations go on and end Released
 * - The driver and the closers are closed once they are done
 */
func (m *DeploymentManager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	for _, po := range m.active {
		po.markReleased()
	}
	n := len(m.active)
	m.mu.Unlock()
	logger.Infof("Deployment manager released, %d operation(s) still running", n)

	go func() {
		m.inflight.Wait()
		if m.opts.Driver != nil {
			if err := m.opts.Driver.Close(); err != nil {
				logger.Warnf("Close target driver failed: %v", err)
			}
		}
		for _, c := range m.opts.Closers {
			if err := c.Close(); err != nil {
				logger.Warnf("Close manager resource failed: %v", err)
			}
		}
		m.cancel()
	}()
}

// IsReleased reports whether Release was called.
func (m *DeploymentManager) IsReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Drain waits until every running operation is terminal.
func (m *DeploymentManager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

/**
 * Create the deployment configuration of a deployable
 * @param {*descriptor.Deployable} d - Deployable object
 * @returns {(*dconfig.Configuration, error)} Configuration at the current bean version
 * @description
 * - Allowed in disconnected mode
 */
func (m *DeploymentManager) CreateConfiguration(d *descriptor.Deployable) (*dconfig.Configuration, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: deployable is required", models.ErrInvalidArgument)
	}
	countDescriptorEvents(d)
	return dconfig.NewConfiguration(m.opts.Configs, d, m.ConfigBeanVersion())
}

// countDescriptorEvents feeds descriptor changes of d and its nested modules into the metrics.
func countDescriptorEvents(d *descriptor.Deployable) {
	d.Registry().SetEventHook(func(ev descriptor.Event) {
		RecordDescriptorEvent(string(ev.Kind))
	})
	for _, nested := range d.Modules() {
		countDescriptorEvents(nested)
	}
}

func (m *DeploymentManager) ConfigBeanVersion() models.ConfigBeanVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *DeploymentManager) IsConfigBeanVersionSupported(v models.ConfigBeanVersion) bool {
	return m.opts.Configs.SupportsVersion(v)
}

// SetConfigBeanVersion changes the version of configurations created afterwards.
func (m *DeploymentManager) SetConfigBeanVersion(v models.ConfigBeanVersion) error {
	if !m.opts.Configs.SupportsVersion(v) {
		return fmt.Errorf("%w: %s", models.ErrConfigBeanVersionUnsupported, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = v
	return nil
}

// rootLocks serializes units working on the same root module of a target.
type rootLocks struct {
	mu    sync.Mutex
	locks map[string]*rootLock
}

type rootLock struct {
	ch   chan struct{}
	refs int
}

func newRootLocks() *rootLocks {
	return &rootLocks{locks: make(map[string]*rootLock)}
}

func (l *rootLocks) lock(ctx context.Context, target, rootID string) (func(), error) {
	key := target + "/" + rootID
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &rootLock{ch: make(chan struct{}, 1)}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
	select {
	case rl.ch <- struct{}{}:
		return func() {
			<-rl.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
