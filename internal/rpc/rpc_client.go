package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"deploy-keeper/internal/logger"
)

// ErrUnreachable 表示请求未到达keeper服务
var ErrUnreachable = errors.New("keeper server unreachable")

// httpClient HTTP客户端实现
type httpClient struct {
	config    *HTTPConfig
	client    *http.Client
	transport *http.Transport
}

/**
 * Create new HTTP client for the keeper server
 * @param {*HTTPConfig} config - Client configuration
 * @returns {HTTPClient} HTTP client interface
 * @description
 * - Every request is dialed to config.Address over config.Network, whatever the URL host
 * - Requests are bounded by config.Timeout
 * @example
 * client := rpc.NewHTTPClient(rpc.DefaultHTTPConfig(&cfg.Server))
 * defer client.Close()
 * resp, err := client.Get("/deploy/api/v1/targets", nil)
 */
func NewHTTPClient(config *HTTPConfig) HTTPClient {
	c := &httpClient{config: config}
	dialer := &net.Dialer{Timeout: config.Timeout}
	c.transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, config.Network, config.Address)
		},
	}
	c.client = &http.Client{
		Transport: c.transport,
		Timeout:   config.Timeout,
	}
	return c
}

func (c *httpClient) do(method, path string, params map[string]interface{}, body io.Reader, contentType string) (*HTTPResponse, error) {
	url, err := buildURL(c.config.BaseURL, path, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	logger.Debugf("Sending %s request to %s via %s %s", method, url, c.config.Network, c.config.Address)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return deserializeResponse(resp)
}

// Get 发送GET请求
func (c *httpClient) Get(path string, params map[string]interface{}) (*HTTPResponse, error) {
	return c.do(http.MethodGet, path, params, nil, "")
}

// Post 发送POST请求，data 序列化为JSON
func (c *httpClient) Post(path string, data interface{}) (*HTTPResponse, error) {
	body, err := serializeData(data)
	if err != nil {
		return nil, err
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	return c.do(http.MethodPost, path, nil, body, contentType)
}

// Put 发送PUT请求，data 序列化为JSON
func (c *httpClient) Put(path string, data interface{}) (*HTTPResponse, error) {
	body, err := serializeData(data)
	if err != nil {
		return nil, err
	}
	return c.do(http.MethodPut, path, nil, body, "application/json")
}

// PostForm 以multipart表单发送POST请求
func (c *httpClient) PostForm(path string, form *Form) (*HTTPResponse, error) {
	body, contentType, err := form.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode form: %w", err)
	}
	return c.do(http.MethodPost, path, nil, body, contentType)
}

// Close 关闭空闲连接
func (c *httpClient) Close() error {
	c.transport.CloseIdleConnections()
	logger.Debugf("HTTP client connection closed")
	return nil
}
