package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/observability/metrics"
	"OpenMCP-Escrow/internal/submission"
	"OpenMCP-Escrow/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Ledger 是 API 层依赖的只读查询与开发水龙头接口。
type Ledger interface {
	AgentIDs(ctx context.Context) ([]string, error)
	AgentDetailsByID(ctx context.Context, agentID string) (escrow.Details, error)
	AccountBalance(ctx context.Context, addr ledger.Address) (uint64, error)
	Events(ctx context.Context, filter escrow.EventFilter) ([]escrow.Event, error)
	Mint(ctx context.Context, addr ledger.Address, amount uint64) (uint64, error)
}

// Server 负责暴露 REST 接口，供外部提交交易并查询托管状态。
type Server struct {
	addr         string
	submissions  *submission.Service
	ledger       Ledger
	allowMint    bool
	mintGuard    func(http.Handler) http.Handler
	readTimeout  time.Duration
	writeTimeout time.Duration
	shutdown     time.Duration
}

// Option 调整服务参数。
type Option func(*Server)

// WithMint 打开开发用的发币接口。
func WithMint(enabled bool) Option {
	return func(s *Server) { s.allowMint = enabled }
}

// WithMintGuard 在发币接口前挂载认证中间件。
func WithMintGuard(guard func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.mintGuard = guard }
}

// WithTimeouts 设置读写超时与优雅退出时间。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdown = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *submission.Service, l Ledger, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		submissions:  svc,
		ledger:       l,
		readTimeout:  15 * time.Second,
		writeTimeout: 15 * time.Second,
		shutdown:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/transactions", s.instrument("transactions", s.handleTransactions))
	mux.Handle("/api/v1/transactions/", s.instrument("transaction_detail", s.handleTransactionDetail))
	mux.Handle("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.Handle("/api/v1/agents/", s.instrument("agent_detail", s.handleAgentDetail))
	mux.Handle("/api/v1/accounts/", s.instrument("accounts", s.handleAccounts))
	mux.Handle("/api/v1/events", s.instrument("events", s.handleEvents))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		writeMethodNotAllowed(w, "仅支持 GET/POST")
	}
}

// handleSubmit 受理签名交易，返回 202 与交易记录。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var env submission.Envelope
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&env); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	sub, err := s.submissions.Submit(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if sub.Finished() {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []submission.ListOption{}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		opts = append(opts, submission.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数"))
			return
		}
		opts = append(opts, submission.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []submission.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, submission.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, submission.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		var kinds []submission.Kind
		for _, part := range strings.Split(raw, ",") {
			kinds = append(kinds, submission.Kind(strings.TrimSpace(part)))
		}
		opts = append(opts, submission.WithKinds(kinds...))
	}
	if sender := query.Get("sender"); sender != "" {
		opts = append(opts, submission.WithSender(sender))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, submission.WithSortOrder(submission.SortByUpdatedAsc))
	}

	subs, err := s.submissions.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if query.Get("stats") == "true" {
		stats, err := s.submissions.Stats(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": subs, "stats": stats})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleTransactionDetail 返回单笔交易的状态与结果。
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "仅支持 GET")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/"), "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易 ID"))
		return
	}
	sub, err := s.submissions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "仅支持 GET")
		return
	}
	ids, err := s.ledger.AgentIDs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_ids": ids, "count": len(ids)})
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "仅支持 GET")
		return
	}
	agentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"), "/")
	if agentID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 agent_id"))
		return
	}
	details, err := s.ledger.AgentDetailsByID(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// handleAccounts 处理 /api/v1/accounts/{address} 与 /api/v1/accounts/{address}/mint。
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的账户路径"))
		return
	}
	if !common.IsHexAddress(parts[0]) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "非法的账户地址"))
		return
	}
	addr := common.HexToAddress(parts[0])

	if len(parts) == 2 {
		if parts[1] != "mint" {
			writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的账户路径"))
			return
		}
		s.handleMint(w, r, addr)
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "仅支持 GET")
		return
	}
	balance, err := s.ledger.AccountBalance(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Address: addr.Hex(), Balance: balance})
}

type accountResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

type mintRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request, addr ledger.Address) {
	if !s.allowMint {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "发币接口未开启"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "仅支持 POST")
		return
	}
	mint := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mintRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		balance, err := s.ledger.Mint(r.Context(), addr, req.Amount)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accountResponse{Address: addr.Hex(), Balance: balance})
	})
	if s.mintGuard != nil {
		s.mintGuard(mint).ServeHTTP(w, r)
		return
	}
	mint(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "仅支持 GET")
		return
	}
	query := r.URL.Query()
	filter := escrow.EventFilter{AgentID: query.Get("agent_id")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "after 必须为非负整数"))
			return
		}
		filter.AfterSeq = after
	}
	if raw := query.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, escrow.EventType(strings.TrimSpace(part)))
		}
	}
	events, err := s.ledger.Events(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []escrow.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// errorResponse 是所有错误响应的统一结构。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		resp.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func writeMethodNotAllowed(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: "METHOD_NOT_ALLOWED", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder 记录响应状态码用于指标。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: string(xerrors.CodeUnknown), Message: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
