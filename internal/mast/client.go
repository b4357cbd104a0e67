package mast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	apperrors "ARGOS/internal/errors"
)

const (
	defaultBaseURL    = "https://mast.stsci.edu"
	defaultTimeout    = 60 * time.Second
	defaultAttempts   = 3
	defaultPageSize   = 500
	defaultRetryDelay = 500 * time.Millisecond
	maxPages          = 50
)

// Config 描述访问 MAST 门户所需的信息。
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	Retries       int
	RatePerSecond float64
	Burst         int
	PageSize      int
	RetryDelay    time.Duration
}

// Filter 对应 MAST Filtered 服务中的单个过滤条件。
type Filter struct {
	ParamName string `json:"paramName"`
	Values    []any  `json:"values"`
}

// Eq 构造等值过滤条件。
func Eq(name string, values ...any) Filter {
	return Filter{ParamName: name, Values: values}
}

// Client 通过 HTTP 调用 MAST 的 invoke 与下载接口，所有请求共享同一个限流器。
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	attempts   uint
	pageSize   int
	retryDelay time.Duration
}

// NewClient 根据配置创建 MAST 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.Retries
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		attempts:   uint(attempts),
		pageSize:   pageSize,
		retryDelay: delay,
	}
}

// BaseURL 返回客户端使用的门户地址。
func (c *Client) BaseURL() string {
	return c.baseURL
}

type invokeRequest struct {
	Service  string         `json:"service"`
	Params   map[string]any `json:"params"`
	Format   string         `json:"format"`
	PageSize int            `json:"pagesize"`
	Page     int            `json:"page"`
}

// Invoke 调用 MAST 服务并返回 data 数组中的全部行，自动翻页。
func (c *Client) Invoke(ctx context.Context, service string, params map[string]any, filters []Filter) ([]gjson.Result, error) {
	if strings.TrimSpace(service) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "MAST 服务名不能为空")
	}
	merged := make(map[string]any, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	if len(filters) > 0 {
		if _, ok := merged["columns"]; !ok {
			merged["columns"] = "*"
		}
		merged["filters"] = filters
	}

	var rows []gjson.Result
	for page := 1; page <= maxPages; page++ {
		body, err := c.invokePage(ctx, invokeRequest{
			Service:  service,
			Params:   merged,
			Format:   "json",
			PageSize: c.pageSize,
			Page:     page,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, gjson.GetBytes(body, "data").Array()...)

		pages := gjson.GetBytes(body, "paging.pagesFiltered").Int()
		if pages <= int64(page) {
			break
		}
	}
	return rows, nil
}

func (c *Client) invokePage(ctx context.Context, req invokeRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "序列化 MAST 请求失败")
	}
	form := url.Values{}
	form.Set("request", string(payload))
	endpoint := c.baseURL + "/api/v0/invoke"

	var body []byte
	err = c.do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return retry.Unrecoverable(apperrors.Wrap(apperrors.CodeInvalidArgument, err, "构建 MAST 请求失败"))
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		httpReq.Header.Set("Accept", "application/json")

		raw, err := c.send(httpReq, req.Service)
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return apperrors.New(apperrors.CodeUpstreamRejected, "MAST 返回了无效的 JSON",
				apperrors.WithMetadata("service", req.Service))
		}
		switch status := strings.ToUpper(gjson.GetBytes(raw, "status").String()); status {
		case "", "COMPLETE":
		case "EXECUTING":
			return apperrors.New(apperrors.CodeUpstreamUnavailable, "MAST 查询仍在执行",
				apperrors.WithMetadata("service", req.Service))
		default:
			msg := strings.TrimSpace(gjson.GetBytes(raw, "msg").String())
			return apperrors.New(apperrors.CodeUpstreamRejected, fmt.Sprintf("MAST 返回状态 %s: %s", status, msg),
				apperrors.WithMetadata("service", req.Service))
		}
		body = raw
		return nil
	})
	return body, err
}

// Download 通过 MAST 数据 URI 下载产品文件。
func (c *Client) Download(ctx context.Context, dataURI string) ([]byte, error) {
	if strings.TrimSpace(dataURI) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "数据 URI 不能为空")
	}
	endpoint := c.baseURL + "/api/v0.1/Download/file?uri=" + url.QueryEscape(dataURI)

	var body []byte
	err := c.do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(apperrors.Wrap(apperrors.CodeInvalidArgument, err, "构建下载请求失败"))
		}
		raw, err := c.send(httpReq, "download")
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	return body, err
}

// do 在限流器与 retry-go 的约束下执行单次请求，只有可重试的错误码才会重试。
func (c *Client) do(ctx context.Context, attempt func(context.Context) error) error {
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(apperrors.Wrap(apperrors.CodeTimeout, err, "等待 MAST 限流器失败"))
			}
			return attempt(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(apperrors.RetryableError),
	)
}

func (c *Client) send(req *http.Request, label string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, err, "请求 MAST 失败",
			apperrors.WithMetadata("service", label))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := apperrors.CodeUpstreamRejected
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			code = apperrors.CodeUpstreamUnavailable
		}
		return nil, apperrors.New(code,
			fmt.Sprintf("MAST 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			apperrors.WithMetadata("service", label),
			apperrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, err, "读取 MAST 响应失败",
			apperrors.WithMetadata("service", label))
	}
	return body, nil
}
