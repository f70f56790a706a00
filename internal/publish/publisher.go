package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/any-cdn/internal/version"
)

// FormField 是服务端读取归档的 multipart 字段名。
const FormField = "package"

const maxResponseBytes = 1 << 20

// ErrRejected 表示仓库拒绝了这次发布（非 2xx）。
var ErrRejected = errors.New("publish rejected by registry")

// Publisher 把归档 POST 到 {registry}/api/packages。
type Publisher struct {
	endpoint string
	http     *http.Client
}

// Result 是仓库返回的发布结果。
type Result struct {
	Status  int
	Message string
}

// NewPublisher 校验仓库地址。client 为 nil 时使用 60s 超时的默认客户端。
func NewPublisher(registry string, client *http.Client) (*Publisher, error) {
	base := strings.TrimRight(strings.TrimSpace(registry), "/")
	parsed, err := url.Parse(base)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q", registry)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Publisher{endpoint: base + "/api/packages", http: client}, nil
}

// Endpoint 返回上传地址。
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish 上传归档，返回服务端 message。非 2xx 响应包装为 ErrRejected。
func (p *Publisher) Publish(ctx context.Context, archive *Archive) (Result, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("name", archive.Name); err != nil {
		return Result{}, err
	}
	if err := form.WriteField("version", archive.Version); err != nil {
		return Result{}, err
	}
	part, err := form.CreateFormFile(FormField, archive.FileName())
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(archive.Data); err != nil {
		return Result{}, err
	}
	if err := form.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &body)
	if err != nil {
		return Result{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("publish"))

	resp, err := p.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read publish response: %w", err)
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload.Message = strings.TrimSpace(string(raw))
	}

	result := Result{Status: resp.StatusCode, Message: payload.Message}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, payload.Message)
	}
	return result, nil
}
