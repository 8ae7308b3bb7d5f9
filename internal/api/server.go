package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/submit"
	"userop-generator/internal/userop"
)

// Server 负责暴露 REST 接口，供外部生成、签名与提交用户操作。
type Server struct {
	addr        string
	generator   *userop.Generator
	signer      userop.Signer
	submissions *submit.Service
}

// NewServer 构造 API 服务实例。signer 与 submissions 允许为 nil，
// 对应的 sign / submit 请求会被拒绝。
func NewServer(addr string, generator *userop.Generator, signer userop.Signer, submissions *submit.Service) *Server {
	return &Server{addr: addr, generator: generator, signer: signer, submissions: submissions}
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

// Handler 返回路由后的处理器，便于测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/operations", s.handleOperations)
	mux.HandleFunc("/api/v1/operations/", s.handleOperationByID)
	return mux
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleGenerate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// generateRequest 是生成接口的请求体，字节字段按 0x 十六进制编码。
type generateRequest struct {
	ChainID       uint64        `json:"chain_id"`
	Sender        string        `json:"sender"`
	CallData      hexutil.Bytes `json:"call_data"`
	InitCode      hexutil.Bytes `json:"init_code"`
	Paymaster     string        `json:"paymaster"`
	PaymasterData hexutil.Bytes `json:"paymaster_data"`
	Sign          bool          `json:"sign"`
	Submit        bool          `json:"submit"`
}

type generateResponse struct {
	Operation  *userop.UserOperation `json:"operation"`
	Hash       string                `json:"hash"`
	EntryPoint string                `json:"entry_point"`
	RecordID   string                `json:"record_id,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		http.Error(w, "生成器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if !common.IsHexAddress(req.Sender) {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "sender 地址非法")
		return
	}
	if req.Submit && !req.Sign {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "提交前必须签名")
		return
	}

	request := userop.Request{
		ChainID:       req.ChainID,
		Sender:        common.HexToAddress(req.Sender),
		CallData:      req.CallData,
		InitCode:      req.InitCode,
		PaymasterData: req.PaymasterData,
	}
	if req.Paymaster != "" {
		if !common.IsHexAddress(req.Paymaster) {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "paymaster 地址非法")
			return
		}
		paymaster := common.HexToAddress(req.Paymaster)
		request.Paymaster = &paymaster
	}

	ctx := r.Context()
	result, err := s.generator.Generate(ctx, request)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	if req.Sign {
		if s.signer == nil {
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeSignatureFailure, "服务未配置签名器")
			return
		}
		if err := s.generator.Sign(ctx, result, s.signer); err != nil {
			writeCodedError(w, err)
			return
		}
	}

	response := generateResponse{
		Operation:  result.Operation,
		Hash:       result.Hash.Hex(),
		EntryPoint: result.EntryPoint.Hex(),
	}
	if req.Submit {
		if s.submissions == nil {
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitialization, "服务未启用提交管线")
			return
		}
		record, err := s.submissions.Enqueue(ctx, req.ChainID, result)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		response.RecordID = record.ID
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.submissions == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitialization, "服务未启用提交管线")
		return
	}

	opts := submit.ListOptions{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := query.Get("chain_id"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			opts.ChainID = parsed
		}
	}
	if raw := query.Get("status"); raw != "" {
		status := submit.Status(raw)
		if !submit.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "未知的状态过滤值")
			return
		}
		opts.Statuses = []submit.Status{status}
	}

	records, err := s.submissions.List(r.Context(), opts)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleOperationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.submissions == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitialization, "服务未启用提交管线")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/operations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "记录 ID 非法")
		return
	}
	record, err := s.submissions.Get(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

// writeCodedError 按统一错误码映射 HTTP 状态。
func writeCodedError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidUserOp, xerrors.CodeUnsupportedChain:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, submit.CodeOpNotFound:
		status = http.StatusNotFound
	case submit.CodeOpConflict:
		status = http.StatusConflict
	}
	writeError(w, status, code, err.Error())
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
