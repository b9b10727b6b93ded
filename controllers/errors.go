package controllers

import (
	"errors"
	"net/http"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

type errorCode struct {
	err    error
	status int
	code   string
}

// 错误按声明顺序匹配，先匹配到的生效
var errorCodes = []errorCode{
	{models.ErrModuleNotFound, http.StatusNotFound, "module.not_found"},
	{models.ErrBeanNotFound, http.StatusNotFound, "bean.not_found"},
	{models.ErrNotRootModule, http.StatusBadRequest, "module.not_root"},
	{models.ErrModuleRunning, http.StatusConflict, "module.running"},
	{models.ErrIllegalState, http.StatusConflict, "manager.illegal_state"},
	{models.ErrOperationUnsupported, http.StatusNotImplemented, "operation.unsupported"},
	{models.ErrConfigBeanVersionUnsupported, http.StatusBadRequest, "config.version_unsupported"},
	{models.ErrInvalidModule, http.StatusUnprocessableEntity, "module.invalid"},
	{models.ErrInvalidXpath, http.StatusBadRequest, "xpath.invalid"},
	{models.ErrConfiguration, http.StatusUnprocessableEntity, "config.invalid"},
	{models.ErrInvalidArgument, http.StatusBadRequest, "request.invalid"},
	{services.ErrBadCredentials, http.StatusUnauthorized, "auth.bad_credentials"},
	{config.ErrMissingSecret, http.StatusServiceUnavailable, "auth.not_configured"},
}

/**
 * Write an error response for err
 * @param {*gin.Context} c - Request context
 * @param {error} err - Error returned by the deployment manager
 * @description
 * - Known errors map to a status and a dotted code
 * - Everything else is a 500 with code "internal.error"
 */
func respondError(c *gin.Context, err error) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			c.JSON(ec.status, &models.ErrorResponse{Code: ec.code, Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusInternalServerError, &models.ErrorResponse{Code: "internal.error", Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, &models.ErrorResponse{Code: "request.invalid", Error: err.Error()})
}
