package models

import "errors"

// 部署前置条件错误，调用时同步返回
var (
	ErrIllegalState    = errors.New("illegal state")
	ErrNotRootModule   = errors.New("module is not a root module")
	ErrModuleRunning   = errors.New("module is running")
	ErrInvalidArgument = errors.New("invalid argument")
)

// 配置错误
var (
	ErrConfiguration                = errors.New("configuration error")
	ErrInvalidModule                = errors.New("invalid module archive")
	ErrConfigBeanVersionUnsupported = errors.New("config bean version unsupported")
	ErrManagerCreation              = errors.New("deployment manager creation failed")
)

var ErrOperationUnsupported = errors.New("operation unsupported")

// 树一致性错误
var (
	ErrBeanNotFound   = errors.New("bean not found")
	ErrModuleNotFound = errors.New("module not found")
	ErrInvalidXpath   = errors.New("invalid xpath")
)
