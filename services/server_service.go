package services

import (
	"context"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
)

// AppVersion is reported as the keeper factory product version.
var AppVersion = "dev"

// ServerService owns the deployment manager of the keeper server.
type ServerService struct {
	cfg      *config.AppConfig
	registry *FactoryRegistry
	dm       *DeploymentManager
	started  time.Time
}

func NewServerService(cfg *config.AppConfig) *ServerService {
	return &ServerService{cfg: cfg, registry: DefaultRegistry(cfg), started: time.Now()}
}

/**
 * Open the server's deployment manager
 * @returns {(*DeploymentManager, error)} Manager, disconnected when deploy.disconnected is set
 * @description
 * - The server connects as itself, credentials are checked per request by the API
 */
func (s *ServerService) Open() (*DeploymentManager, error) {
	var (
		dm  *DeploymentManager
		err error
	)
	if s.cfg.Deploy.Disconnected {
		dm, err = s.registry.DisconnectedDeploymentManager(s.cfg.Deploy.URI)
	} else {
		f, lerr := s.registry.lookup(s.cfg.Deploy.URI)
		if lerr != nil {
			return nil, lerr
		}
		kf, ok := f.(*KeeperFactory)
		if !ok {
			return nil, wrapCreation(ErrBadCredentials)
		}
		dm, err = kf.newManager(false)
	}
	if err != nil {
		return nil, err
	}
	s.dm = dm
	return dm, nil
}

func (s *ServerService) Registry() *FactoryRegistry { return s.registry }

func (s *ServerService) Manager() *DeploymentManager { return s.dm }

// StartMonitoring logs the running operations until ctx ends.
func (s *ServerService) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.dm == nil {
				continue
			}
			for _, po := range s.dm.ActiveOperations() {
				logger.Debugf("Operation %s running for %s: %s", po.ID(), time.Since(po.StartTime()).Round(time.Second), po.Status())
			}
		}
	}
}

// Shutdown releases the manager and waits for running operations until ctx ends.
func (s *ServerService) Shutdown(ctx context.Context) error {
	if s.dm == nil {
		return nil
	}
	s.dm.Release()
	if err := s.dm.Drain(ctx); err != nil {
		logger.Warnf("Deployment operations still running at shutdown: %v", err)
		return err
	}
	logger.Info("Deployment manager drained")
	return nil
}

/**
 * Build the readiness probe response
 * @param {context.Context} ctx - Bounds the store and target registry queries
 * @returns {models.HealthResponse} Health snapshot
 * @description
 * - Status is "UP" while the manager is open, "DOWN" after release
 * - A disconnected manager reports request counters only
 * - Target or store failures turn the status to "DEGRADED"
 */
func (s *ServerService) GetHealthz(ctx context.Context) models.HealthResponse {
	resp := models.HealthResponse{
		Version:   AppVersion,
		StartTime: s.started.Format(time.RFC3339),
		Status:    "UP",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Metrics: models.Metrics{
			TotalRequests: GetTotalRequestCount(),
			ErrorRequests: GetTotalErrorCount(),
		},
	}
	if s.dm == nil || s.dm.IsReleased() {
		resp.Status = "DOWN"
		return resp
	}
	resp.Metrics.ActiveOperations = len(s.dm.ActiveOperations())
	if s.dm.IsDisconnected() {
		return resp
	}
	targets, err := s.dm.Targets(ctx)
	if err != nil {
		logger.Warnf("Healthz: list targets failed: %v", err)
		resp.Status = "DEGRADED"
		return resp
	}
	resp.Metrics.Targets = len(targets)
	tree, err := s.dm.ModuleTree(ctx)
	if err != nil {
		logger.Warnf("Healthz: load module tree failed: %v", err)
		resp.Status = "DEGRADED"
		return resp
	}
	for _, m := range tree.Modules() {
		resp.Metrics.Modules++
		if m.Running() {
			resp.Metrics.RunningModules++
		}
	}
	return resp
}
