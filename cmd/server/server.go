package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"deploy-keeper/cmd/root"
	"deploy-keeper/controllers"
	"deploy-keeper/internal/config"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/middleware"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动部署管理HTTP服务",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := startServer(ctx, config.Get()); err != nil {
			logger.Fatal(err)
		}
	},
}

/**
 * Build the gin engine with every controller
 * @param {*config.AppConfig} cfg - Application configuration
 * @param {*services.ServerService} server - Server owning the deployment manager
 * @returns {*gin.Engine} Engine
 */
func NewRouter(cfg *config.AppConfig, server *services.ServerService) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.MetricsMiddleware())
	auth := middleware.BearerAuth(&cfg.Auth)
	dm := server.Manager()

	controllers.NewAPIController(server, cfg).RegisterRoutes(router, auth)
	controllers.NewDeploymentController(dm).RegisterRoutes(router, auth)
	controllers.NewOperationController(dm).RegisterRoutes(router, auth)
	controllers.NewConfigurationController(dm).RegisterRoutes(router, auth)
	return router
}

/**
 * Run the keeper server until ctx ends
 * @param {context.Context} ctx - Cancelled on SIGINT/SIGTERM
 * @param {*config.AppConfig} cfg - Application configuration
 * @returns {error} Startup error
 * @description
 * - Refuses to start when authentication is enabled without a token secret
 * - Listens on server.address and, where supported, on the unix socket server.socket
 * - On shutdown stops accepting requests, then releases the deployment manager and drains its operations
 */
func startServer(ctx context.Context, cfg *config.AppConfig) error {
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}
	gin.SetMode(cfg.Server.Mode)
	server := services.NewServerService(cfg)
	if _, err := server.Open(); err != nil {
		return fmt.Errorf("打开部署管理器失败: %w", err)
	}

	addrs := []ListenAddr{{Network: "tcp", Address: cfg.Server.Address}}
	if cfg.Server.Socket != "" && IsUnixSocketSupported() {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.Socket), 0755); err != nil {
			logger.Warnf("Create socket directory failed: %v", err)
		} else {
			addrs = append(addrs, ListenAddr{Network: "unix", Address: cfg.Server.Socket})
		}
	}
	listeners, err := CreateListeners(addrs)
	if len(listeners) == 0 {
		_ = server.Shutdown(context.Background())
		return fmt.Errorf("没有可用的侦听地址: %v", err)
	}

	httpServer := &http.Server{Handler: NewRouter(cfg, server)}
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			logger.Infof("Keeper server listening on %s://%s", ln.Addr().Network(), ln.Addr().String())
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Serve on %s failed: %v", ln.Addr(), err)
			}
		}(ln)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go server.StartMonitoring(monitorCtx, 30*time.Second)

	<-ctx.Done()
	logger.Info("Shutting down keeper server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	wg.Wait()
	_ = server.Shutdown(shutdownCtx)
	for _, a := range addrs {
		if a.Network == "unix" {
			os.Remove(a.Address)
		}
	}
	return nil
}

func init() {
	root.RootCmd.AddCommand(serverCmd)
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for running operations to end on shutdown")
}
