package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/registry"
)

// ProxyHandler 负责 /api 之外的所有 GET 请求：静态文件、重定向与上游回源。
// 测试中可以注入假的实现。
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger    *logrus.Logger
	Proxy     ProxyHandler
	BodyLimit int
}

const contextKeyRequestID = "_anycdn_request_id"

// NewApp builds a Fiber application with request-id, access log and
// structured error handling. 业务路由由 routes 包在此之后注册，
// 兜底的 ProxyHandler 会对保留前缀调用 c.Next() 让出。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	cfg := fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	}
	if opts.BodyLimit > 0 {
		cfg.BodyLimit = opts.BodyLimit
	}
	app := fiber.New(cfg)

	app.Use(requestContextMiddleware(opts.Logger))
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/*", func(c fiber.Ctx) error {
		if IsReservedPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，记录访问日志，并在链路返回错误时
// 立即渲染错误响应，保证日志里的状态码就是客户端看到的状态码。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	render := errorHandler(logger)
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if err := c.Next(); err != nil {
			if herr := render(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		fields := logging.RequestFields(reqID, c.Method(), string(c.Request().URI().Path()), status)
		fields["action"] = "http"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if status >= fiber.StatusInternalServerError {
			entry.Error("request_failed")
		} else {
			entry.Debug("request_complete")
		}
		return nil
	}
}

// errorHandler 把 registry 的错误分类映射为 HTTP 状态码。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := StatusFor(err)
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http",
				"request_id": RequestID(c),
				"path":       string(c.Request().URI().Path()),
			}).WithError(err).Error("handler_failed")
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   code,
			"message": err.Error(),
		})
	}
}

// StatusFor 返回错误对应的状态码与错误代码。
func StatusFor(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.Is(err, registry.ErrConflict):
		return fiber.StatusForbidden, "conflict"
	case errors.Is(err, registry.ErrUpstreamUnavailable):
		return fiber.StatusNotFound, "upstream_unavailable"
	case errors.Is(err, registry.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_input"
	case errors.As(err, &fe):
		return fe.Code, "request_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsReservedPath 判断路径是否属于 API/诊断前缀，这些路径不会被当作包文件处理。
func IsReservedPath(path string) bool {
	return strings.HasPrefix(path, "/-/") ||
		path == "/api" || strings.HasPrefix(path, "/api/") ||
		path == "/importMaps"
}
