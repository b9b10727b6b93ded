package controllers

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
)

type DeploymentController struct {
	dm *services.DeploymentManager
}

/**
 * Create new deployment controller instance
 * @param {*services.DeploymentManager} dm - Deployment manager serving the requests
 * @returns {*DeploymentController} New deployment controller instance
 * @example
 * dm, _ := services.NewServerService(cfg).Open()
 * controller := controllers.NewDeploymentController(dm)
 */
func NewDeploymentController(dm *services.DeploymentManager) *DeploymentController {
	return &DeploymentController{dm: dm}
}

/**
 * Register deployment routes
 * @param {*gin.Engine} r - Gin router instance
 * @description
 * - Targets and module queries
 * - distribute/start/stop/undeploy/redeploy, each answering 202 with the operation
 */
func (d *DeploymentController) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	api := r.Group("/deploy/api/v1", mw...)
	api.GET("/targets", d.ListTargets)
	api.GET("/modules", d.ListModules)
	api.POST("/modules/distribute", d.Distribute)
	api.POST("/modules/start", d.Start)
	api.POST("/modules/stop", d.Stop)
	api.POST("/modules/undeploy", d.Undeploy)
	api.POST("/modules/redeploy", d.Redeploy)
}

// ListTargets lists deployment targets
//
//	@Summary		List targets
//	@Description	Get the targets known to the deployment manager
//	@Tags			Deployment
//	@Produce		json
//	@Success		200	{array}		models.Target
//	@Failure		409	{object}	models.ErrorResponse	"Manager released or disconnected"
//	@Router			/deploy/api/v1/targets [get]
func (d *DeploymentController) ListTargets(c *gin.Context) {
	targets, err := d.dm.Targets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, targets)
}

// ListModules lists deployed modules
//
//	@Summary		List modules
//	@Description	Without type, returns the module tree of every target.
//	@Description	With type, returns the modules of that type on the given targets (all targets by default), filtered by state.
//	@Tags			Deployment
//	@Produce		json
//	@Param			type	query		string		false	"Module type (ear/ejb/car/rar/war)"
//	@Param			state	query		string		false	"running/stopped/all, defaults to all"
//	@Param			target	query		[]string	false	"Target names"
//	@Success		200		{array}		models.ModuleDetail
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/deploy/api/v1/modules [get]
func (d *DeploymentController) ListModules(c *gin.Context) {
	ctx := c.Request.Context()
	typ := c.Query("type")
	if typ == "" {
		tree, err := d.dm.ModuleTree(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, details(tree.Roots()))
		return
	}
	moduleType, err := models.ParseModuleType(typ)
	if err != nil {
		badRequest(c, err)
		return
	}
	targets, err := d.queryTargets(ctx, c.QueryArray("target"))
	if err != nil {
		respondError(c, err)
		return
	}
	var mods []*services.TargetModuleID
	switch state := c.DefaultQuery("state", "all"); state {
	case "running":
		mods, err = d.dm.RunningModules(ctx, moduleType, targets)
	case "stopped":
		mods, err = d.dm.NonRunningModules(ctx, moduleType, targets)
	case "all":
		mods, err = d.dm.AvailableModules(ctx, moduleType, targets)
	default:
		badRequest(c, fmt.Errorf("unknown state %q", state))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details(mods))
}

func (d *DeploymentController) queryTargets(ctx context.Context, names []string) ([]models.Target, error) {
	if len(names) == 0 {
		return d.dm.Targets(ctx)
	}
	return targetsOf(names), nil
}

func targetsOf(names []string) []models.Target {
	out := make([]models.Target, 0, len(names))
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, models.Target{Name: part})
			}
		}
	}
	return out
}

func details(mods []*services.TargetModuleID) []models.ModuleDetail {
	out := make([]models.ModuleDetail, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.Detail())
	}
	return out
}

// formSource exposes an uploaded file as an archive source, nil when the field is absent.
func formSource(c *gin.Context, field string) (services.ArchiveSource, error) {
	fh, err := c.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return uploadSource{fh}, nil
}

type uploadSource struct {
	fh *multipart.FileHeader
}

func (u uploadSource) Name() string { return u.fh.Filename }

func (u uploadSource) Open() (io.ReadCloser, error) { return u.fh.Open() }

// Distribute distributes an uploaded archive
//
//	@Summary		Distribute module
//	@Description	Copy an archive and an optional deployment plan to targets
//	@Tags			Deployment
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			archive	formData	file		true	"Module archive"
//	@Param			plan	formData	file		false	"Deployment plan"
//	@Param			target	formData	[]string	true	"Target names"
//	@Success		202		{object}	models.OperationDetail
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/deploy/api/v1/modules/distribute [post]
func (d *DeploymentController) Distribute(c *gin.Context) {
	archive, err := formSource(c, "archive")
	if err != nil {
		badRequest(c, err)
		return
	}
	if archive == nil {
		badRequest(c, fmt.Errorf("archive is required"))
		return
	}
	plan, err := formSource(c, "plan")
	if err != nil {
		badRequest(c, err)
		return
	}
	po, err := d.dm.Distribute(c.Request.Context(), targetsOf(c.PostFormArray("target")), archive, plan)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, po.Detail())
}

func (d *DeploymentController) resolve(c *gin.Context) ([]*services.TargetModuleID, bool) {
	var req models.ModulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return nil, false
	}
	ids, err := d.dm.ResolveModules(c.Request.Context(), req.Modules)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ids, true
}

type moduleCommand func(context.Context, []*services.TargetModuleID, ...services.OperationOption) (*services.ProgressObject, error)

func (d *DeploymentController) runCommand(c *gin.Context, cmd moduleCommand) {
	ids, ok := d.resolve(c)
	if !ok {
		return
	}
	po, err := cmd(c.Request.Context(), ids)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, po.Detail())
}

// Start starts root modules
//
//	@Summary		Start modules
//	@Description	Start root modules together with their nested modules
//	@Tags			Deployment
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.ModulesRequest	true	"Root modules"
//	@Success		202		{object}	models.OperationDetail
//	@Failure		400		{object}	models.ErrorResponse	"Not a root module"
//	@Failure		404		{object}	models.ErrorResponse	"Unknown module"
//	@Router			/deploy/api/v1/modules/start [post]
func (d *DeploymentController) Start(c *gin.Context) {
	d.runCommand(c, d.dm.Start)
}

// Stop stops root modules
//
//	@Summary		Stop modules
//	@Tags			Deployment
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.ModulesRequest	true	"Root modules"
//	@Success		202		{object}	models.OperationDetail
//	@Router			/deploy/api/v1/modules/stop [post]
func (d *DeploymentController) Stop(c *gin.Context) {
	d.runCommand(c, d.dm.Stop)
}

// Undeploy removes stopped root modules
//
//	@Summary		Undeploy modules
//	@Tags			Deployment
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.ModulesRequest	true	"Root modules"
//	@Success		202		{object}	models.OperationDetail
//	@Failure		409		{object}	models.ErrorResponse	"A module of the subtree is running"
//	@Router			/deploy/api/v1/modules/undeploy [post]
func (d *DeploymentController) Undeploy(c *gin.Context) {
	d.runCommand(c, d.dm.Undeploy)
}

// Redeploy replaces root modules with a new archive
//
//	@Summary		Redeploy modules
//	@Description	Modules are given as "target/moduleId" form values
//	@Tags			Deployment
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			archive	formData	file		true	"New module archive"
//	@Param			plan	formData	file		false	"Deployment plan"
//	@Param			module	formData	[]string	true	"Root modules as target/moduleId"
//	@Success		202		{object}	models.OperationDetail
//	@Failure		501		{object}	models.ErrorResponse	"Redeploy disabled"
//	@Router			/deploy/api/v1/modules/redeploy [post]
func (d *DeploymentController) Redeploy(c *gin.Context) {
	refs, err := parseModuleRefs(c.PostFormArray("module"))
	if err != nil {
		badRequest(c, err)
		return
	}
	archive, err := formSource(c, "archive")
	if err != nil {
		badRequest(c, err)
		return
	}
	if archive == nil {
		badRequest(c, fmt.Errorf("archive is required"))
		return
	}
	plan, err := formSource(c, "plan")
	if err != nil {
		badRequest(c, err)
		return
	}
	ids, err := d.dm.ResolveModules(c.Request.Context(), refs)
	if err != nil {
		respondError(c, err)
		return
	}
	po, err := d.dm.Redeploy(c.Request.Context(), ids, archive, plan)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, po.Detail())
}

func parseModuleRefs(values []string) ([]models.ModuleRef, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one module is required")
	}
	out := make([]models.ModuleRef, 0, len(values))
	for _, v := range values {
		ref, err := models.ParseModuleRef(v)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
