package root

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"
)

// RemoteFunc talks to the keeper server.
type RemoteFunc func(client rpc.HTTPClient, cfg *rpc.HTTPConfig) error

// LocalFunc works on an in-process deployment manager.
type LocalFunc func(dm *services.DeploymentManager) error

// HTTPConfig returns the client configuration honoring --token.
func HTTPConfig() *rpc.HTTPConfig {
	cfg := rpc.DefaultHTTPConfig(&config.Get().Server)
	if flagToken != "" {
		cfg.Token = flagToken
	}
	return cfg
}

/**
 * Run a command against the keeper server or a local manager
 * @param {RemoteFunc} remote - Server variant
 * @param {LocalFunc} local - In-process variant, nil when the command needs the server
 * @returns {error} Command error
 * @description
 * - --local skips the server
 * - When the server cannot be reached the local variant runs instead
 * - Errors answered by the server are returned as is
 */
func Run(remote RemoteFunc, local LocalFunc) error {
	if !flagLocal {
		cfg := HTTPConfig()
		client := rpc.NewHTTPClient(cfg)
		err := remote(client, cfg)
		client.Close()
		if err == nil || !errors.Is(err, rpc.ErrUnreachable) {
			return err
		}
		if local == nil {
			return err
		}
		logger.Infof("Keeper server not reachable, using a local deployment manager: %v", err)
	}
	if local == nil {
		return fmt.Errorf("this command needs a running keeper server")
	}
	dm, err := OpenLocal(false)
	if err != nil {
		return err
	}
	defer CloseLocal(dm)
	return local(dm)
}

/**
 * Open an in-process deployment manager
 * @param {bool} disconnected - Open a disconnected manager, no store or targets are touched
 * @returns {(*services.DeploymentManager, error)} Manager
 */
func OpenLocal(disconnected bool) (*services.DeploymentManager, error) {
	cfg := config.Get()
	registry := services.DefaultRegistry(cfg)
	if disconnected {
		return registry.DisconnectedDeploymentManager(cfg.Deploy.URI)
	}
	password := flagPassword
	if password == "" {
		password = os.Getenv("KEEPER_PASSWORD")
	}
	return registry.DeploymentManager(cfg.Deploy.URI, flagUser, password)
}

// CloseLocal releases dm and waits for its operations.
func CloseLocal(dm *services.DeploymentManager) {
	dm.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dm.Drain(ctx); err != nil {
		logger.Warnf("Local deployment manager not drained: %v", err)
	}
}

/**
 * Wait for a local operation, printing its events
 * @param {context.Context} ctx - Cancelling ctx cancels the operation when supported
 * @param {*services.ProgressObject} po - Operation
 * @returns {error} Error when the operation did not complete
 */
func WaitLocal(ctx context.Context, po *services.ProgressObject) error {
	PrintOperation(po.Detail())
	po.AddProgressListener(services.NewProgressListener(func(e services.ProgressEvent) {
		PrintEvent(e.Detail())
	}))
	status, err := po.Wait(ctx)
	if err != nil {
		if po.IsCancelSupported() {
			fmt.Printf("Interrupted, cancelling operation %s\n", po.ID())
			_ = po.Cancel()
		}
		status, _ = po.Wait(context.Background())
	}
	return statusError(po.ID(), status)
}

/**
 * Follow a remote operation until it ends
 * @param {context.Context} ctx - Stops following, the operation goes on
 * @param {*rpc.HTTPConfig} cfg - Client configuration
 * @param {models.OperationDetail} op - Operation returned by the server
 * @param {bool} wait - Follow the event stream, otherwise only print the operation
 */
func FollowRemote(ctx context.Context, cfg *rpc.HTTPConfig, op models.OperationDetail, wait bool) error {
	PrintOperation(op)
	if !wait {
		return nil
	}
	status, err := rpc.WatchOperation(ctx, cfg, op.ID, PrintEvent)
	if err != nil {
		return err
	}
	return statusError(op.ID, status)
}

func statusError(id string, status models.DeploymentStatus) error {
	if status.IsCompleted() {
		return nil
	}
	return fmt.Errorf("operation %s %s", id, status)
}

func PrintOperation(op models.OperationDetail) {
	fmt.Printf("Operation %s: %s\n", op.ID, op.Status)
}

func PrintEvent(ev models.ProgressEventDetail) {
	module := "-"
	if ev.Module != nil {
		module = ev.Module.String()
	}
	fmt.Printf("%s  %-32s %s\n", ev.Time.Format("15:04:05"), module, ev.Status)
}
