package signerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-sign/psbt-signer/pkg/apierrors"
	"github.com/aegis-sign/psbt-signer/pkg/psbtcodec"
)

const (
	transportHTTP = "http"
	transportGRPC = "grpc"

	codeOK = "OK"
)

// HandlerOption 调整 HTTP/gRPC handler 的可选依赖。
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithLogger 设置请求失败日志输出。
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics 记录请求数与延迟。
func WithMetrics(m *Metrics) HandlerOption {
	return func(o *handlerOptions) { o.metrics = m }
}

func buildOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// HTTPHandler 实现 `/sign_psbt` `/health` HTTP/JSON 接口。
type HTTPHandler struct {
	backend Backend
	handlerOptions
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(backend Backend, opts ...HandlerOption) *HTTPHandler {
	if backend == nil {
		panic("signer backend is required")
	}
	return &HTTPHandler{backend: backend, handlerOptions: buildOptions(opts)}
}

// Register 将路由注册到 echo，limiter 只作用于签名路由。
func (h *HTTPHandler) Register(e *echo.Echo, limiter *Limiter) {
	var mw []echo.MiddlewareFunc
	if limiter != nil {
		mw = append(mw, limiter.Middleware())
	}
	e.POST("/sign_psbt", h.handleSign, mw...)
	e.GET("/health", h.handleHealth)
}

type signRequestBody struct {
	PSBT     string `json:"psbt"`
	Encoding string `json:"encoding,omitempty"`
}

type signResponseBody struct {
	PSBT string `json:"psbt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *HTTPHandler) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (h *HTTPHandler) handleSign(c echo.Context) error {
	started := time.Now()
	var body signRequestBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.fail(c, started, apierrors.New(apierrors.CodeMalformedInput, "invalid JSON body"))
	}
	encoding, err := psbtcodec.NormalizeEncoding(body.Encoding)
	if err != nil {
		return h.fail(c, started, apierrors.Malformed(err))
	}
	packet, err := psbtcodec.Decode(body.PSBT, encoding)
	if err != nil {
		return h.fail(c, started, toAPIError(err))
	}
	if _, err := h.backend.SignPSBT(c.Request().Context(), packet); err != nil {
		return h.fail(c, started, toAPIError(err))
	}
	text, err := psbtcodec.Encode(packet, encoding)
	if err != nil {
		h.logger.Error("encode signed psbt failed", "error", err, "request_id", requestID(c))
		return h.fail(c, started, apierrors.New(apierrors.CodeInternal, "internal error"))
	}
	h.metrics.observeRequest(transportHTTP, codeOK, started)
	return c.JSON(http.StatusOK, signResponseBody{PSBT: text})
}

func (h *HTTPHandler) fail(c echo.Context, started time.Time, apiErr *apierrors.Error) error {
	h.metrics.observeRequest(transportHTTP, string(apiErr.Code), started)
	h.logger.Info("sign_psbt rejected",
		"code", apiErr.Code,
		"message", apiErr.Message,
		"request_id", requestID(c),
	)
	return apiErr
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// ErrorHandler 把任意错误写成 `{"error": "<类别>: <消息>", "code": ...}`。
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, apiErr := httpError(err)
		if apiErr.Code == apierrors.CodeInternal {
			logger.Error("http request failed", "error", err, "request_id", requestID(c))
		}
		if apierrors.RequiresRetryAfter(apiErr.Code) {
			if hint := apiErr.RetryAfterHint(); hint != "" {
				c.Response().Header().Set("Retry-After", hint)
			}
		}
		resp := errorResponse{Error: apiErr.Describe(), Code: string(apiErr.Code)}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, resp)
	}
}

func httpError(err error) (int, *apierrors.Error) {
	if apiErr, ok := apierrors.FromError(err); ok {
		return apierrors.HTTPStatus(apiErr.Code), apiErr
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		switch {
		case he.Code == http.StatusTooManyRequests:
			return he.Code, apierrors.New(apierrors.CodeRetryLater, msg).WithRetryAfter(unavailableRetryAfter)
		case he.Code >= 400 && he.Code < 500:
			return he.Code, apierrors.New(apierrors.CodeMalformedInput, msg)
		}
	}
	return http.StatusInternalServerError, apierrors.New(apierrors.CodeInternal, "internal error")
}

// HTTPServerConfig 描述 echo 实例的横切配置。
type HTTPServerConfig struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	Limiter        *Limiter
	// Gatherer 非空时暴露 /metrics。
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewEcho 构造带中间件的 echo 实例并注册路由。
func NewEcho(handler *HTTPHandler, cfg HTTPServerConfig) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID},
		}))
	}
	if cfg.MaxBodyBytes > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", cfg.MaxBodyBytes)))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	}))

	handler.Register(e, cfg.Limiter)
	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// ServeHTTP 在 ln 上运行 echo，ctx 结束时优雅关闭。
func ServeHTTP(ctx context.Context, ln net.Listener, e *echo.Echo, shutdownTimeout time.Duration) error {
	srv := &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
