package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/models"
)

// HTTPClient 定义访问 keeper 服务的客户端接口
type HTTPClient interface {
	Get(path string, params map[string]interface{}) (*HTTPResponse, error)
	Post(path string, data interface{}) (*HTTPResponse, error)
	Put(path string, data interface{}) (*HTTPResponse, error)
	PostForm(path string, form *Form) (*HTTPResponse, error)
	Close() error
}

// HTTPConfig 定义HTTP客户端配置
type HTTPConfig struct {
	Address string        // keeper服务侦听地址
	Network string        // unix,tcp
	Timeout time.Duration // 默认超时时间
	BaseURL string        // 基础URL
	Token   string        // Bearer token，为空时不发送
}

/**
 * Build the client configuration for a keeper server
 * @param {*config.ServerConfig} cfg - Server section of the configuration
 * @returns {*HTTPConfig} Unix socket when the socket file exists, tcp address otherwise
 */
func DefaultHTTPConfig(cfg *config.ServerConfig) *HTTPConfig {
	c := &HTTPConfig{
		Address: cfg.Address,
		Network: "tcp",
		Timeout: 30 * time.Second,
		BaseURL: "http://localhost",
	}
	if cfg.Socket != "" {
		if _, err := os.Stat(cfg.Socket); err == nil {
			c.Address = cfg.Socket
			c.Network = "unix"
		}
	}
	if c.Address == "" {
		c.Address = "127.0.0.1:8990"
	}
	c.Token = os.Getenv("KEEPER_TOKEN")
	return c
}

// HTTPResponse 定义HTTP响应结构
type HTTPResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Code       string              `json:"code"`
	Error      string              `json:"error"`
}

// APIError is a non 2xx answer of the keeper server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err returns an *APIError for non 2xx responses.
func (r *HTTPResponse) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &APIError{StatusCode: r.StatusCode, Code: r.Code, Message: r.Error}
}

// Decode unmarshals a successful JSON body into v.
func (r *HTTPResponse) Decode(v interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Form 定义multipart表单：文件字段与普通字段
type Form struct {
	files  []formFile
	values url.Values
}

type formFile struct {
	field    string
	filename string
	data     []byte
}

func NewForm() *Form {
	return &Form{values: url.Values{}}
}

func (f *Form) AddFile(field, filename string, data []byte) *Form {
	f.files = append(f.files, formFile{field: field, filename: filename, data: data})
	return f
}

func (f *Form) Add(field, value string) *Form {
	f.values.Add(field, value)
	return f
}

// encode 返回表单内容与 Content-Type
func (f *Form) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, file := range f.files {
		w, err := mw.CreateFormFile(file.field, file.filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	for field, values := range f.values {
		for _, v := range values {
			if err := mw.WriteField(field, v); err != nil {
				return nil, "", err
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// buildURL 构建完整的URL
func buildURL(baseURL, path string, params map[string]interface{}) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Path == "" {
		u.Path = path
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	}

	if params != nil {
		q := u.Query()
		for key, value := range params {
			switch v := value.(type) {
			case string:
				q.Set(key, v)
			case []string:
				for _, s := range v {
					q.Add(key, s)
				}
			case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
				q.Set(key, fmt.Sprintf("%d", v))
			case bool:
				q.Set(key, fmt.Sprintf("%t", v))
			default:
				q.Set(key, fmt.Sprintf("%v", v))
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// serializeData 序列化请求数据
func serializeData(data interface{}) (io.Reader, error) {
	if data == nil {
		return nil, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize data: %w", err)
	}

	return bytes.NewReader(jsonData), nil
}

// deserializeResponse 反序列化响应数据，错误响应按 models.ErrorResponse 解析
func deserializeResponse(resp *http.Response) (*HTTPResponse, error) {
	defer resp.Body.Close()
	httpResp := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	httpResp.Body = body
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return httpResp, nil
	}
	if len(body) == 0 {
		httpResp.Error = resp.Status
	} else {
		var errBody models.ErrorResponse
		if err := json.Unmarshal(body, &errBody); err != nil {
			httpResp.Error = string(body)
		} else {
			httpResp.Code = errBody.Code
			httpResp.Error = errBody.Error
		}
	}
	if httpResp.Error == "" {
		httpResp.Error = "Unknown error"
	}
	return httpResp, nil
}
