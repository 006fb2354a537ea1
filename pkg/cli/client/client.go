// Package client EL Engine HTTP API客户端
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/el-engine/pkg/api/dto"
	"github.com/LENAX/el-engine/pkg/core/engine"
)

// Client HTTP API客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient 替换底层HTTP客户端（同步执行Run时需取消超时）
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// ========== Pipeline API ==========

// ListPipelines 列出已注册的Pipeline
func (c *Client) ListPipelines() (*dto.ListResponse[dto.PipelineSummary], error) {
	var resp dto.APIResponse[dto.ListResponse[dto.PipelineSummary]]
	if err := c.get("/api/v1/pipelines", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ListSchedules 列出定时调度
func (c *Client) ListSchedules() (*dto.ListResponse[engine.ScheduleEntry], error) {
	var resp dto.APIResponse[dto.ListResponse[engine.ScheduleEntry]]
	if err := c.get("/api/v1/schedules", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== Run API ==========

// ListRuns 列出最近的Run
func (c *Client) ListRuns(limit int) (*dto.ListResponse[dto.RunSummary], error) {
	path := "/api/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp dto.APIResponse[dto.ListResponse[dto.RunSummary]]
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// SubmitRun 在服务端后台启动Run
func (c *Client) SubmitRun(pipeline, runID string) (*dto.RunAccepted, error) {
	var resp dto.APIResponse[dto.RunAccepted]
	if err := c.post("/api/v1/runs", dto.StartRunRequest{Pipeline: pipeline, RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ExecuteRun 在服务端同步执行Run直到结束
func (c *Client) ExecuteRun(pipeline, runID string) (*engine.RunResult, error) {
	var resp dto.APIResponse[engine.RunResult]
	if err := c.post("/api/v1/runs", dto.StartRunRequest{Pipeline: pipeline, RunID: runID, Wait: true}, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetRun 获取Run报告
func (c *Client) GetRun(runID string) (*engine.RunResult, error) {
	var resp dto.APIResponse[engine.RunResult]
	if err := c.get("/api/v1/runs/"+url.PathEscape(runID), &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ListTasks 列出Run的Task，statuses为空时返回全部
func (c *Client) ListTasks(runID string, statuses ...string) (*dto.ListResponse[dto.TaskDetail], error) {
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/tasks"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp dto.APIResponse[dto.ListResponse[dto.TaskDetail]]
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// TaskHistory 获取Task的状态转换记录
func (c *Client) TaskHistory(runID, taskID string) (*dto.ListResponse[dto.TransitionRecord], error) {
	var resp dto.APIResponse[dto.ListResponse[dto.TransitionRecord]]
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/history"
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CancelRun 取消Run
func (c *Client) CancelRun(runID string) (*dto.RunSummary, error) {
	var resp dto.APIResponse[dto.RunSummary]
	if err := c.post("/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// RetryTask 强制重试失败的Task
func (c *Client) RetryTask(runID, taskID string) (*dto.RetryResponse, error) {
	var resp dto.APIResponse[dto.RetryResponse]
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/retry"
	if err := c.post(path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// RetryFailed 以新Run重跑未成功的部分
func (c *Client) RetryFailed(runID string) (*dto.RunAccepted, error) {
	var resp dto.APIResponse[dto.RunAccepted]
	if err := c.post("/api/v1/runs/"+url.PathEscape(runID)+"/retry-failed", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Step 单步执行
func (c *Client) Step(pipeline, runID, action string) (*engine.StepResult, error) {
	var resp dto.APIResponse[engine.StepResult]
	req := dto.StepRequest{RunID: runID, Pipeline: pipeline, Action: action}
	if err := c.post("/api/v1/step", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== Health API ==========

// Health 健康检查
func (c *Client) Health() (*dto.HealthResponse, error) {
	var resp dto.APIResponse[dto.HealthResponse]
	if err := c.get("/health", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== HTTP Methods ==========

// APIError 服务端返回的错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound 是否为资源不存在
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) get(path string, result interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	return c.parseResponse(resp, result)
}

func (c *Client) post(path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", reqBody)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	return c.parseResponse(resp, result)
}

func (c *Client) parseResponse(resp *http.Response, result interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr dto.APIResponse[any]
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	return nil
}
