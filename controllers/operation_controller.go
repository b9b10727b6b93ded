package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// terminalGrace bounds how long the event stream waits for the terminal event after Done.
const terminalGrace = 500 * time.Millisecond

type OperationController struct {
	dm       *services.DeploymentManager
	upgrader websocket.Upgrader
}

/**
 * Create new operation controller instance
 * @param {*services.DeploymentManager} dm - Deployment manager owning the operations
 * @returns {*OperationController} New operation controller instance
 */
func NewOperationController(dm *services.DeploymentManager) *OperationController {
	return &OperationController{
		dm: dm,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (o *OperationController) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	api := r.Group("/deploy/api/v1", mw...)
	api.GET("/operations", o.ListOperations)
	api.GET("/operations/:id", o.GetOperation)
	api.POST("/operations/:id/cancel", o.CancelOperation)
	api.POST("/operations/:id/stop", o.StopOperation)
	api.GET("/operations/:id/events", o.StreamEvents)
}

// ListOperations lists running operations and the history
//
//	@Summary		List operations
//	@Tags			Operations
//	@Produce		json
//	@Param			limit	query		int	false	"Max history records, defaults to 50"
//	@Success		200		{object}	models.OperationList
//	@Router			/deploy/api/v1/operations [get]
func (o *OperationController) ListOperations(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, errInvalidLimit)
		return
	}
	history, err := o.dm.Operations(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	list := models.OperationList{Active: []models.OperationDetail{}, History: history}
	for _, po := range o.dm.ActiveOperations() {
		list.Active = append(list.Active, po.Detail())
	}
	c.JSON(http.StatusOK, list)
}

func (o *OperationController) lookup(c *gin.Context) (*services.ProgressObject, bool) {
	po, ok := o.dm.Operation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, &models.ErrorResponse{
			Code:  "operation.not_found",
			Error: "operation " + c.Param("id") + " is not running nor recently finished",
		})
		return nil, false
	}
	return po, true
}

// GetOperation returns the status of an operation
//
//	@Summary		Get operation
//	@Tags			Operations
//	@Produce		json
//	@Param			id	path		string	true	"Operation id"
//	@Success		200	{object}	models.OperationDetail
//	@Failure		404	{object}	models.ErrorResponse
//	@Router			/deploy/api/v1/operations/{id} [get]
func (o *OperationController) GetOperation(c *gin.Context) {
	po, ok := o.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, po.Detail())
}

// CancelOperation cancels an operation and rolls back its finished units
//
//	@Summary		Cancel operation
//	@Tags			Operations
//	@Produce		json
//	@Param			id	path		string	true	"Operation id"
//	@Success		202	{object}	models.OperationDetail
//	@Failure		501	{object}	models.ErrorResponse	"Cancel not supported"
//	@Router			/deploy/api/v1/operations/{id}/cancel [post]
func (o *OperationController) CancelOperation(c *gin.Context) {
	po, ok := o.lookup(c)
	if !ok {
		return
	}
	if err := po.Cancel(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, po.Detail())
}

// StopOperation stops an operation after its running units
//
//	@Summary		Stop operation
//	@Tags			Operations
//	@Produce		json
//	@Param			id	path		string	true	"Operation id"
//	@Success		202	{object}	models.OperationDetail
//	@Failure		501	{object}	models.ErrorResponse	"Stop not supported"
//	@Router			/deploy/api/v1/operations/{id}/stop [post]
func (o *OperationController) StopOperation(c *gin.Context) {
	po, ok := o.lookup(c)
	if !ok {
		return
	}
	if err := po.Stop(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, po.Detail())
}

// StreamEvents streams progress events over a websocket
//
//	@Summary		Operation events
//	@Description	Upgrades to a websocket and writes one JSON ProgressEventDetail per event.
//	@Description	The connection is closed after the event carrying the terminal status.
//	@Tags			Operations
//	@Param			id	path	string	true	"Operation id"
//	@Router			/deploy/api/v1/operations/{id}/events [get]
func (o *OperationController) StreamEvents(c *gin.Context) {
	po, ok := o.lookup(c)
	if !ok {
		return
	}
	conn, err := o.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("Upgrade event stream of %s failed: %v", po.ID(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// 读协程只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan services.ProgressEvent, 64)
	listener := services.NewProgressListener(func(e services.ProgressEvent) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	po.AddProgressListener(listener)
	defer po.RemoveProgressListener(listener)

	if err := streamEvents(ctx, conn, po, events); err != nil {
		logger.Debugf("Event stream of %s ended: %v", po.ID(), err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(po.Status().State)))
}

func streamEvents(ctx context.Context, conn *websocket.Conn, po *services.ProgressObject, events <-chan services.ProgressEvent) error {
	write := func(e services.ProgressEvent) (bool, error) {
		if err := conn.WriteJSON(e.Detail()); err != nil {
			return false, err
		}
		return e.Status.State.Terminal(), nil
	}
	for {
		select {
		case e := <-events:
			if done, err := write(e); err != nil || done {
				return err
			}
		case <-po.Done():
			// 终态事件可能仍在监听队列中
			timer := time.NewTimer(terminalGrace)
			defer timer.Stop()
			for {
				select {
				case e := <-events:
					if done, err := write(e); err != nil || done {
						return err
					}
				case <-timer.C:
					_, err := write(services.ProgressEvent{Source: po, Status: po.Status(), Time: time.Now()})
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
