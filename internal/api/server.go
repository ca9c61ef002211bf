package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"

	"soneium-onboard/internal/connection"
	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/observability/alerting"
	"soneium-onboard/internal/observability/metrics"
	"soneium-onboard/internal/onboarding"
	"soneium-onboard/internal/steps"
	"soneium-onboard/internal/storage/mysql"
	"soneium-onboard/internal/web3"
	"soneium-onboard/pkg/logger"
)

// Connector is the orchestrator surface the API drives.
type Connector interface {
	State() connection.State
	LastFailure() error
	TryConnect(ctx context.Context, preferInjectedAgent bool) error
	Disconnect()
	Subscribe(ch chan<- connection.State) event.Subscription
}

// Options 汇总 API 服务依赖的组件。
type Options struct {
	Connector      Connector
	Session        *onboarding.Session
	Journal        mysql.AttemptRepository
	Advisories     *alerting.Recorder
	Metrics        *metrics.Collector
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server 负责暴露 REST 与 WebSocket 接口，供向导前端驱动连接流程。
type Server struct {
	addr       string
	conn       Connector
	session    *onboarding.Session
	journal    mysql.AttemptRepository
	advisories *alerting.Recorder
	metrics    *metrics.Collector
	origins    map[string]struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		addr:       addr,
		conn:       opts.Connector,
		session:    opts.Session,
		journal:    opts.Journal,
		advisories: opts.Advisories,
		metrics:    opts.Metrics,
		origins:    make(map[string]struct{}, len(opts.AllowedOrigins)),
		logger:     opts.Logger,
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	for _, origin := range opts.AllowedOrigins {
		s.origins[origin] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/v1/connection", s.handleConnection)
	s.route(mux, "/api/v1/connection/connect", s.handleConnect)
	s.route(mux, "/api/v1/connection/disconnect", s.handleDisconnect)
	s.route(mux, "/api/v1/connection/events", s.handleEvents)
	s.route(mux, "/api/v1/steps", s.handleSteps)
	s.route(mux, "/api/v1/steps/advance", s.handleAdvance)
	s.route(mux, "/api/v1/steps/reset", s.handleReset)
	s.route(mux, "/api/v1/session", s.handleSession)
	s.route(mux, "/api/v1/session/build", s.handleBuildProfile)
	s.route(mux, "/api/v1/advisories", s.handleAdvisories)
	s.route(mux, "/api/v1/attempts", s.handleAttempts)
	s.route(mux, "/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return s.withCORS(mux)
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
	s.logger.Info("API server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ConnectionView 是连接状态对外的 JSON 形式。
type ConnectionView struct {
	Connected   bool       `json:"connected"`
	Connecting  bool       `json:"connecting"`
	ChainID     uint64     `json:"chain_id,omitempty"`
	ChainIDHex  string     `json:"chain_id_hex,omitempty"`
	NetworkName string     `json:"network_name,omitempty"`
	Account     string     `json:"account,omitempty"`
	ReadOnly    bool       `json:"read_only"`
	Version     uint64     `json:"version"`
	LastFailure *ErrorBody `json:"last_failure,omitempty"`
}

// ErrorBody 是错误响应的 JSON 形式。
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Advisory    bool   `json:"advisory,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ConnectResult 是连接请求的响应。
type ConnectResult struct {
	Connected  bool           `json:"connected"`
	Connection ConnectionView `json:"connection"`
	Error      *ErrorBody     `json:"error,omitempty"`
}

// StepsView 描述向导当前步骤。
type StepsView struct {
	Current string   `json:"current"`
	Steps   []string `json:"steps,omitempty"`
}

func connectionView(state connection.State, failure error) ConnectionView {
	view := ConnectionView{
		Connected:   state.Connected,
		Connecting:  state.Connecting,
		NetworkName: state.NetworkName,
		ReadOnly:    state.ReadOnly(),
		Version:     state.Version,
	}
	if state.Connected {
		view.ChainID = state.ChainID
		view.ChainIDHex = web3.HexChainID(state.ChainID)
		view.Account = state.Account().Hex()
	}
	if failure != nil {
		view.LastFailure = errorBody(failure)
	}
	return view
}

func errorBody(err error) *ErrorBody {
	if coded, ok := xerrors.From(err); ok {
		return &ErrorBody{
			Code:        string(coded.Code()),
			Message:     coded.Message(),
			Advisory:    coded.Advisory(),
			Recoverable: coded.Recoverable(),
		}
	}
	return &ErrorBody{Code: string(xerrors.CodeUnknown), Message: err.Error()}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !s.requireConnector(w) {
		return
	}
	writeJSON(w, http.StatusOK, connectionView(s.conn.State(), s.conn.LastFailure()))
}

type connectRequest struct {
	PreferInjectedAgent bool `json:"prefer_injected_agent"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !s.requireConnector(w) {
		return
	}

	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
	}

	// 客户端断开不应打断钱包授权，协商在脱离请求取消的上下文中完成。
	err := s.conn.TryConnect(context.WithoutCancel(r.Context()), req.PreferInjectedAgent)
	if errors.Is(err, connection.ErrAttemptInFlight) {
		writeError(w, err)
		return
	}

	result := ConnectResult{Connected: err == nil, Connection: connectionView(s.conn.State(), nil)}
	if err != nil {
		result.Error = errorBody(err)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !s.requireConnector(w) {
		return
	}
	s.conn.Disconnect()
	writeJSON(w, http.StatusOK, connectionView(s.conn.State(), nil))
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !s.requireSession(w) {
		return
	}
	view := StepsView{Current: s.session.Sequencer().Current().String()}
	for _, step := range steps.Steps() {
		view.Steps = append(view.Steps, step.String())
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !s.requireSession(w) {
		return
	}
	seq := s.session.Sequencer()
	seq.Advance()
	writeJSON(w, http.StatusOK, StepsView{Current: seq.Current().String()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !s.requireSession(w) {
		return
	}
	seq := s.session.Sequencer()
	seq.Reset()
	writeJSON(w, http.StatusOK, StepsView{Current: seq.Current().String()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !s.requireSession(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleBuildProfile(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !s.requireSession(w) {
		return
	}
	step, err := s.session.BuildProfile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StepsView{Current: step.String()})
}

func (s *Server) handleAdvisories(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	events := []alerting.Event{}
	if s.advisories != nil {
		events = append(events, s.advisories.Recent(queryLimit(r, 20))...)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.journal == nil {
		writeError(w, xerrors.New(xerrors.CodeStorageFailure, "连接日志未启用", xerrors.WithRecoverable(false)))
		return
	}
	records, err := s.journal.ListLatest(r.Context(), queryLimit(r, 20))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询连接日志失败"))
		return
	}
	if records == nil {
		records = []mysql.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireConnector(w http.ResponseWriter) bool {
	if s.conn == nil {
		http.Error(w, "连接编排器未初始化", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) requireSession(w http.ResponseWriter) bool {
	if s.session == nil {
		http.Error(w, "向导会话未初始化", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "仅支持 "+method, http.StatusMethodNotAllowed)
	return false
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeStorageFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody(err))
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
