package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/checkpoint"
	"github.com/BaSui01/threadflow/internal/ctxkeys"
	"github.com/BaSui01/threadflow/thread"
)

// registerAPIRoutes 注册检查点与分支 API 路由
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// 线程
	mux.HandleFunc("POST /api/v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/v1/threads/{threadID}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/v1/threads/{threadID}", s.handleDeleteThread)

	// 检查点
	mux.HandleFunc("POST /api/v1/threads/{threadID}/checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/checkpoints/latest", s.handleLatestCheckpoint)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/checkpoints/{checkpointID}", s.handleGetCheckpoint)
	mux.HandleFunc("DELETE /api/v1/threads/{threadID}/checkpoints/{checkpointID}", s.handleDeleteCheckpoint)
	mux.HandleFunc("POST /api/v1/threads/{threadID}/checkpoints/{checkpointID}/restore", s.handleRestore)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/checkpoints/{checkpointID}/export", s.handleExport)
	mux.HandleFunc("POST /api/v1/threads/{threadID}/checkpoints/import", s.handleImport)
	mux.HandleFunc("POST /api/v1/threads/{threadID}/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/v1/threads/{threadID}/events", s.handleEvents)

	// 分支
	mux.HandleFunc("POST /api/v1/threads/{threadID}/fork", s.handleFork)
	mux.HandleFunc("POST /api/v1/threads/{threadID}/rollback", s.handleRollback)
}

// requestContext 将路径中的 threadID 注入 context，错误日志据此定位请求
func requestContext(r *http.Request) context.Context {
	if threadID := r.PathValue("threadID"); threadID != "" {
		return ctxkeys.WithThreadID(r.Context(), threadID)
	}
	return r.Context()
}

// --- 健康检查 ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.checkpoints.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// --- 线程 ---

type createThreadRequest struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	InitialState map[string]any `json:"initial_state"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.threads.Create(ctx, req.WorkflowID, req.WorkflowName, req.InitialState)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread_id": id})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	threads, err := s.threads.List(ctx)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	info, err := s.threads.GetInfo(ctx, r.PathValue("threadID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	threadID := r.PathValue("threadID")

	if _, err := s.checkpoints.DeleteThreadCheckpoints(ctx, threadID); err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	if err := s.threads.Delete(ctx, threadID); err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- 检查点 ---

type createCheckpointRequest struct {
	WorkflowID string         `json:"workflow_id"`
	State      map[string]any `json:"state"`
	Metadata   map[string]any `json:"metadata"`
	// Trigger 非空时走自动保存路径，由策略决定是否落盘
	Trigger string `json:"trigger"`
	Auto    bool   `json:"auto"`
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	threadID := r.PathValue("threadID")

	var req createCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		id  string
		err error
	)
	if req.Auto || req.Trigger != "" {
		id, err = s.checkpoints.AutoSaveCheckpoint(ctx, threadID, req.WorkflowID, req.State, req.Trigger)
	} else {
		id, err = s.checkpoints.CreateCheckpoint(ctx, threadID, req.WorkflowID, req.State, req.Metadata)
	}
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	if id == "" {
		// 策略判定本步无需保存
		writeJSON(w, http.StatusOK, map[string]any{"saved": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"saved": true, "checkpoint_id": id})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	threadID := r.PathValue("threadID")

	if workflowID := r.URL.Query().Get("workflow_id"); workflowID != "" {
		records, err := s.checkpoints.GetCheckpointsByWorkflow(ctx, threadID, workflowID)
		if err != nil {
			s.writeEngineError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": records})
		return
	}

	records, err := s.checkpoints.ListCheckpoints(ctx, threadID)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": records})
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	rec, err := s.checkpoints.GetLatestCheckpoint(ctx, r.PathValue("threadID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no checkpoints for thread")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	rec, err := s.checkpoints.GetCheckpoint(ctx, r.PathValue("threadID"), r.PathValue("checkpointID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	deleted, err := s.checkpoints.DeleteCheckpoint(ctx, r.PathValue("threadID"), r.PathValue("checkpointID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	state, err := s.checkpoints.RestoreFromCheckpoint(ctx, r.PathValue("threadID"), r.PathValue("checkpointID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	exported, err := s.checkpoints.ExportCheckpoint(ctx, r.PathValue("threadID"), r.PathValue("checkpointID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, exported)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	var data checkpoint.ExportedRecord
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.checkpoints.ImportCheckpoint(ctx, r.PathValue("threadID"), &data)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"checkpoint_id": id})
}

type cleanupRequest struct {
	MaxCount int `json:"max_count"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	removed, err := s.checkpoints.CleanupCheckpoints(ctx, r.PathValue("threadID"), req.MaxCount)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	events, err := s.checkpoints.Events(ctx, r.PathValue("threadID"))
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- 分支 ---

type forkRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	BranchName   string `json:"branch_name"`
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	newThreadID, err := s.branches.Fork(ctx, r.PathValue("threadID"), req.CheckpointID, req.BranchName)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread_id": newThreadID})
}

type rollbackRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := s.branches.Rollback(ctx, r.PathValue("threadID"), req.CheckpointID)
	if err != nil {
		s.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rolled_back": ok})
}

// --- 辅助 ---

// writeEngineError 将引擎错误映射为 HTTP 状态码
func (s *Server) writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case checkpoint.IsNotFound(err) || errors.Is(err, thread.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, checkpoint.ErrAlreadyExists) || errors.Is(err, thread.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkpoint.ErrInvalidInput), errors.Is(err, checkpoint.ErrDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		var verr *checkpoint.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fields := []zap.Field{zap.Error(err)}
		if id, ok := ctxkeys.RequestID(ctx); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if id, ok := ctxkeys.ThreadID(ctx); ok {
			fields = append(fields, zap.String("thread_id", id))
		}
		s.logger.Error("request failed", fields...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
