package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"deploy-keeper/internal/models"

	"github.com/gorilla/websocket"
)

/**
 * Follow the progress events of an operation
 * @param {context.Context} ctx - Ends the stream early when done
 * @param {*HTTPConfig} cfg - Server address, unix sockets are dialed too
 * @param {string} id - Operation id
 * @param {func(models.ProgressEventDetail)} fn - Called for every event, the last one carries the terminal status
 * @returns {(models.DeploymentStatus, error)} Last status received
 * @throws
 * - ErrUnreachable when the websocket cannot be opened
 */
func WatchOperation(ctx context.Context, cfg *HTTPConfig, id string, fn func(models.ProgressEventDetail)) (models.DeploymentStatus, error) {
	var last models.DeploymentStatus
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return last, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/deploy/api/v1/operations/" + url.PathEscape(id) + "/events"

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, cfg.Network, cfg.Address)
		},
		HandshakeTimeout: cfg.Timeout,
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			if r, derr := deserializeResponse(resp); derr == nil && r.Err() != nil {
				return last, r.Err()
			}
		}
		return last, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev models.ProgressEventDetail
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last.State.Terminal() {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("event stream of %s broken: %w", id, err)
		}
		last = ev.Status
		if fn != nil {
			fn(ev)
		}
	}
}
