package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/dconfig"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// KeeperURI is the connection uri handled by KeeperFactory, "deployer:keeper:<anything>" also matches.
const KeeperURI = "deployer:keeper"

var ErrBadCredentials = errors.New("invalid user name or password")

/**
 * Factory of deployment managers for one kind of connection uri
 * @description
 * - HandlesURI must be cheap and side effect free
 * - DisconnectedDeploymentManager never contacts a server
 */
type DeploymentFactory interface {
	HandlesURI(uri string) bool
	DeploymentManager(uri, user, password string) (*DeploymentManager, error)
	DisconnectedDeploymentManager(uri string) (*DeploymentManager, error)
	DisplayName() string
	ProductVersion() string
}

// FactoryRegistry holds deployment factories in registration order.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories []DeploymentFactory
}

func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{}
}

// Register appends a factory, registering the same factory twice is a no-op.
func (r *FactoryRegistry) Register(f DeploymentFactory) error {
	if f == nil {
		return fmt.Errorf("%w: nil deployment factory", models.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.factories {
		if existing == f {
			return nil
		}
	}
	r.factories = append(r.factories, f)
	logger.Debugf("Registered deployment factory %s %s", f.DisplayName(), f.ProductVersion())
	return nil
}

// Factories returns a snapshot of the registered factories.
func (r *FactoryRegistry) Factories() []DeploymentFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeploymentFactory, len(r.factories))
	copy(out, r.factories)
	return out
}

func (r *FactoryRegistry) lookup(uri string) (DeploymentFactory, error) {
	for _, f := range r.Factories() {
		if f.HandlesURI(uri) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: no factory handles %q", models.ErrManagerCreation, uri)
}

/**
 * Connect a deployment manager
 * @param {string} uri - Connection uri, the first factory handling it is used
 * @param {string} user - User name
 * @param {string} password - Password
 * @returns {(*DeploymentManager, error)} Connected manager
 * @throws
 * - models.ErrManagerCreation when no factory handles the uri or the factory fails
 */
func (r *FactoryRegistry) DeploymentManager(uri, user, password string) (*DeploymentManager, error) {
	f, err := r.lookup(uri)
	if err != nil {
		return nil, err
	}
	dm, err := f.DeploymentManager(uri, user, password)
	if err != nil {
		return nil, wrapCreation(err)
	}
	return dm, nil
}

// DisconnectedDeploymentManager creates a manager that only builds configurations.
func (r *FactoryRegistry) DisconnectedDeploymentManager(uri string) (*DeploymentManager, error) {
	f, err := r.lookup(uri)
	if err != nil {
		return nil, err
	}
	dm, err := f.DisconnectedDeploymentManager(uri)
	if err != nil {
		return nil, wrapCreation(err)
	}
	return dm, nil
}

func wrapCreation(err error) error {
	if errors.Is(err, models.ErrManagerCreation) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
}

/**
 * Factory of the keeper's own deployment manager
 * @description
 * - Store, target registry and artifact directory come from the application configuration
 * - When users are configured the password must match the bcrypt hash of the user
 */
type KeeperFactory struct {
	cfg *config.AppConfig
}

func NewKeeperFactory(cfg *config.AppConfig) *KeeperFactory {
	return &KeeperFactory{cfg: cfg}
}

func (f *KeeperFactory) HandlesURI(uri string) bool {
	return uri == KeeperURI || strings.HasPrefix(uri, KeeperURI+":")
}

func (f *KeeperFactory) DisplayName() string { return "deploy-keeper" }

func (f *KeeperFactory) ProductVersion() string { return AppVersion }

// Authenticate checks a user against the configured bcrypt hashes.
func (f *KeeperFactory) Authenticate(user, password string) error {
	return CheckCredentials(f.cfg.Auth.Users, user, password)
}

/**
 * Check a user against configured accounts
 * @param {[]config.UserConfig} users - Accounts, an empty list accepts everybody
 * @returns {error} ErrBadCredentials on mismatch
 */
func CheckCredentials(users []config.UserConfig, user, password string) error {
	if len(users) == 0 {
		return nil
	}
	for _, u := range users {
		if u.Name != user {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return ErrBadCredentials
		}
		return nil
	}
	return ErrBadCredentials
}

func (f *KeeperFactory) DeploymentManager(uri, user, password string) (*DeploymentManager, error) {
	if !f.HandlesURI(uri) {
		return nil, fmt.Errorf("%w: %q is not a keeper uri", models.ErrManagerCreation, uri)
	}
	if err := f.Authenticate(user, password); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
	}
	return f.newManager(false)
}

func (f *KeeperFactory) DisconnectedDeploymentManager(uri string) (*DeploymentManager, error) {
	if !f.HandlesURI(uri) {
		return nil, fmt.Errorf("%w: %q is not a keeper uri", models.ErrManagerCreation, uri)
	}
	return f.newManager(true)
}

func (f *KeeperFactory) configs() (*dconfig.Factory, error) {
	factory := dconfig.NewFactory()
	if f.cfg.Deploy.Schemas == "" {
		return factory, nil
	}
	file, err := os.Open(f.cfg.Deploy.Schemas)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer file.Close()
	schemas, err := dconfig.LoadSchema(file)
	if err != nil {
		return nil, err
	}
	for _, s := range schemas {
		if err := factory.Register(s); err != nil {
			return nil, err
		}
	}
	logger.Infof("Loaded %d config bean schema(s) from %s", len(schemas), f.cfg.Deploy.Schemas)
	return factory, nil
}

func (f *KeeperFactory) newManager(disconnected bool) (*DeploymentManager, error) {
	dc := f.cfg.Deploy
	version, err := models.ParseConfigBeanVersion(dc.BeanVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
	}
	configs, err := f.configs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
	}
	opts := ManagerOptions{
		Configs:           configs,
		Parallelism:       dc.Parallelism,
		RedeploySupported: dc.RedeploySupported,
		CancelSupported:   dc.CancelSupported,
		StopSupported:     dc.StopSupported,
		BeanVersion:       version,
		Disconnected:      disconnected,
		WebBaseURL:        dc.WebBaseURL,
	}
	if disconnected {
		return NewDeploymentManager(opts)
	}

	st, err := store.Open(&f.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %w", models.ErrManagerCreation, err)
	}
	closeAll := func(closers ...io.Closer) {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	targets, err := NewTargetRegistry(&f.cfg.Targets)
	if err != nil {
		closeAll(st)
		return nil, fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
	}
	driver, err := NewDirDriver(f.cfg.Artifacts.Dir)
	if err != nil {
		closeAll(st)
		return nil, fmt.Errorf("%w: %w", models.ErrManagerCreation, err)
	}
	opts.Store = st
	opts.Targets = targets
	opts.Driver = driver
	opts.Closers = []io.Closer{st}
	dm, err := NewDeploymentManager(opts)
	if err != nil {
		closeAll(st, driver)
		return nil, err
	}
	logger.Infof("Deployment manager connected: storage=%s targets=%s artifacts=%s",
		f.cfg.Storage.Driver, f.cfg.Targets.Source, f.cfg.Artifacts.Dir)
	return dm, nil
}

// DefaultRegistry builds a registry holding the keeper factory for cfg.
func DefaultRegistry(cfg *config.AppConfig) *FactoryRegistry {
	r := NewFactoryRegistry()
	_ = r.Register(NewKeeperFactory(cfg))
	return r
}
