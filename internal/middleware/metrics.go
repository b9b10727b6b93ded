package middleware

import (
	"time"

	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
)

/**
 * HTTP请求统计中间件
 * @description
 * - 按路由模板统计请求数量与处理时间
 * - 状态码 >= 400 的请求计入错误数
 * - 统计结果同时用于 /healthz 与 prometheus 指标
 */
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		services.IncrementRequestCount(route)
		services.RecordRequestDuration(route, time.Since(start).Seconds())
		if c.Writer.Status() >= 400 {
			services.IncrementErrorCount(route)
		}
	}
}

// GetTotalRequests 获取总请求数
func GetTotalRequests() int64 {
	return services.GetTotalRequestCount()
}

// GetErrorRequests 获取错误请求数
func GetErrorRequests() int64 {
	return services.GetTotalErrorCount()
}
