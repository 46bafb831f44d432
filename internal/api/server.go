package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"hatago-plugin-host/internal/auth"
	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/internal/events"
	"hatago-plugin-host/internal/observability/metrics"
	"hatago-plugin-host/pkg/plugin"
	"hatago-plugin-host/pkg/signing"
)

// maxBodyBytes 限制上传插件与校验请求的大小。
const maxBodyBytes = 64 << 20

// RecentEvents 提供最近的宿主事件。
type RecentEvents interface {
	Recent(n int) []events.Event
}

// Server 负责暴露管理 REST 接口。
type Server struct {
	addr            string
	driver          *plugin.Driver
	verifier        *signing.Verifier
	events          RecentEvents
	metrics         *metrics.Metrics
	auth            *auth.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// Option 定制 Server。
type Option func(*Server)

// WithEvents 启用 /api/v1/events。
func WithEvents(recent RecentEvents) Option {
	return func(s *Server) { s.events = recent }
}

// WithMetrics 启用请求指标与 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 为 /api/v1 下的接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, driver *plugin.Driver, verifier *signing.Verifier, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		driver:          driver,
		verifier:        verifier,
		logger:          slog.New(slog.DiscardHandler),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/v1/host", "host", auth.PermissionHostRead, s.handleHost)
	s.route(mux, "GET /api/v1/keys", "keys", auth.PermissionKeysRead, s.handleKeys)
	s.route(mux, "POST /api/v1/verify", "verify", auth.PermissionVerify, s.handleVerify)
	s.route(mux, "POST /api/v1/plugins", "plugins", auth.PermissionPluginsWrite, s.handleLoadPlugin)
	s.route(mux, "GET /api/v1/events", "events", auth.PermissionEventsRead, s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          name,
		})(handler)
	}
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("管理接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type hostView struct {
	State        plugin.State   `json:"state"`
	Runtime      plugin.Runtime `json:"runtime"`
	HostVersion  string         `json:"hostVersion,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Plugins      []pluginView   `json:"plugins"`
	Error        string         `json:"error,omitempty"`
}

type pluginView struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities"`
	Granted      []string  `json:"granted"`
	LoadedAt     time.Time `json:"loadedAt"`
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	state := s.driver.State()
	view := hostView{
		State:        state.State,
		Runtime:      state.Runtime,
		HostVersion:  state.HostVersion,
		Capabilities: state.AvailableCapabilities(),
		Plugins:      make([]pluginView, 0, len(state.LoadedPlugins)),
		Error:        state.Error(),
	}
	for name, loaded := range state.LoadedPlugins {
		pv := pluginView{
			Name:         name,
			Version:      loaded.Manifest.Version,
			Description:  loaded.Manifest.Description,
			Capabilities: append([]string{}, loaded.Manifest.Capabilities...),
			Granted:      []string{},
			LoadedAt:     loaded.LoadedAt,
		}
		if caps, ok := s.driver.Capabilities(name); ok {
			pv.Granted = caps.Names()
		}
		view.Plugins = append(view.Plugins, pv)
	}
	sort.Slice(view.Plugins, func(i, j int) bool { return view.Plugins[i].Name < view.Plugins[j].Name })
	writeJSON(w, http.StatusOK, view)
}

type keyView struct {
	KeyID   string `json:"keyId"`
	Trusted bool   `json:"trusted"`
	signing.KeyMetadata
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "未配置签名校验"))
		return
	}
	registry := s.verifier.Registry()
	keys := make([]keyView, 0)
	for _, id := range registry.ListKeys() {
		entry, ok := registry.Lookup(id)
		if !ok {
			continue
		}
		view := keyView{KeyID: id, Trusted: entry.Trusted, KeyMetadata: entry.Metadata}
		if view.Algorithm == "" {
			if alg, err := signing.AlgorithmForKey(entry.Key); err == nil {
				view.Algorithm = alg
			}
		}
		keys = append(keys, view)
	}
	writeJSON(w, http.StatusOK, keys)
}

type verifyRequest struct {
	// Artifact 为 base64 编码的插件字节。
	Artifact  string                  `json:"artifact"`
	Signature signing.PluginSignature `json:"signature"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, xerrors.New(xerrors.CodeUnknown, "未配置签名校验"))
		return
	}
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := base64.StdEncoding.DecodeString(req.Artifact)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "artifact 不是合法的 base64"))
		return
	}
	writeJSON(w, http.StatusOK, s.verifier.VerifyPlugin(artifact, req.Signature))
}

type loadRequest struct {
	Manifest  plugin.Manifest          `json:"manifest"`
	Artifact  string                   `json:"artifact"`
	Signature *signing.PluginSignature `json:"signature,omitempty"`
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := base64.StdEncoding.DecodeString(req.Artifact)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "artifact 不是合法的 base64"))
		return
	}
	err = s.driver.Load(r.Context(), plugin.LoadRequest{
		Manifest:  req.Manifest,
		Artifact:  artifact,
		Signature: req.Signature,
	})
	if err != nil {
		s.logger.Warn("插件加载失败", slog.String("plugin", req.Manifest.Name), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	s.handleHost(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(body.Code), body)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidManifest:
		return http.StatusBadRequest
	case xerrors.CodeSignatureRejected:
		return http.StatusForbidden
	case xerrors.CodeHostState:
		return http.StatusConflict
	case xerrors.CodeCapabilityUnavailable, xerrors.CodeIncompatibleEngine:
		return http.StatusUnprocessableEntity
	case xerrors.CodeKeyNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
