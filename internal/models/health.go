package models

// HealthResponse 健康检查响应结构
// @Description 健康检查API响应数据结构
type HealthResponse struct {
	Version   string  `json:"version" example:"1.0.0" description:"服务版本"`
	StartTime string  `json:"startTime" example:"2024-01-01T10:00:00Z" description:"启动时间"`
	Status    string  `json:"status" example:"UP" description:"健康状态"`
	Uptime    string  `json:"uptime" example:"1h30m45s" description:"运行时长"`
	Metrics   Metrics `json:"metrics" description:"关键指标"`
}

// Metrics 关键指标结构
// @Description 部署管理器关键指标数据结构
type Metrics struct {
	TotalRequests    int64 `json:"totalRequests" example:"1000" description:"总请求数"`
	ErrorRequests    int64 `json:"errorRequests" example:"5" description:"出错请求数"`
	ActiveOperations int   `json:"activeOperations" example:"1" description:"执行中的部署操作数"`
	Targets          int   `json:"targets" example:"2" description:"部署目标数"`
	Modules          int   `json:"modules" example:"6" description:"已分发模块数"`
	RunningModules   int   `json:"runningModules" example:"4" description:"运行中模块数"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

// LoginResponse 登录响应，token 用于 Authorization: Bearer 头
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}
