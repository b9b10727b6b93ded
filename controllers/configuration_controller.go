package controllers

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
)

type ConfigurationController struct {
	dm *services.DeploymentManager
}

func NewConfigurationController(dm *services.DeploymentManager) *ConfigurationController {
	return &ConfigurationController{dm: dm}
}

/**
 * Register deployment configuration routes
 * @param {*gin.Engine} r - Gin router instance
 * @description
 * - Plan generation works on disconnected managers too
 */
func (cc *ConfigurationController) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	api := r.Group("/deploy/api/v1", mw...)
	api.GET("/config/version", cc.GetBeanVersion)
	api.PUT("/config/version", cc.SetBeanVersion)
	api.POST("/plans", cc.InitPlan)
}

type beanVersionBody struct {
	Version string `json:"version" binding:"required"`
}

// GetBeanVersion returns the config bean version
//
//	@Summary		Config bean version
//	@Tags			Configuration
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Router			/deploy/api/v1/config/version [get]
func (cc *ConfigurationController) GetBeanVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": cc.dm.ConfigBeanVersion()})
}

// SetBeanVersion changes the config bean version of new configurations
//
//	@Summary		Set config bean version
//	@Tags			Configuration
//	@Accept			json
//	@Produce		json
//	@Param			request	body		beanVersionBody	true	"Version (V1_3/V1_3_1/V1_4/V5)"
//	@Success		200		{object}	map[string]interface{}
//	@Failure		400		{object}	models.ErrorResponse	"Unknown or unsupported version"
//	@Router			/deploy/api/v1/config/version [put]
func (cc *ConfigurationController) SetBeanVersion(c *gin.Context) {
	var body beanVersionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	v, err := models.ParseConfigBeanVersion(body.Version)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := cc.dm.SetConfigBeanVersion(v); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v})
}

// InitPlan generates the default deployment plan of an archive
//
//	@Summary		Generate deployment plan
//	@Description	Properties of the archive's top config bean are set from "set" form values in name=value form
//	@Tags			Configuration
//	@Accept			multipart/form-data
//	@Produce		application/xml
//	@Param			archive	formData	file		true	"Module archive"
//	@Param			set		formData	[]string	false	"Property overrides, name=value"
//	@Success		200		{string}	string		"Deployment plan XML"
//	@Failure		422		{object}	models.ErrorResponse	"Invalid archive"
//	@Router			/deploy/api/v1/plans [post]
func (cc *ConfigurationController) InitPlan(c *gin.Context) {
	archive, err := formSource(c, "archive")
	if err != nil {
		badRequest(c, err)
		return
	}
	if archive == nil {
		badRequest(c, fmt.Errorf("archive is required"))
		return
	}
	props, err := ParseProperties(c.PostFormArray("set"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var buf bytes.Buffer
	if err := cc.dm.InitPlan(archive, props, &buf); err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", buf.Bytes())
}

// ParseProperties reads name=value pairs, later pairs win.
func ParseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("property %q is not in name=value form", p)
		}
		props[strings.TrimSpace(name)] = value
	}
	return props, nil
}
