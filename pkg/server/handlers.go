package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/executor"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

func (s *Server) handleInitialize(c *gin.Context) {
	var req executor.InitRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.exec.Initialize(c.Request.Context(), req)
	s.syncHealth()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExecution(c *gin.Context) {
	var req executor.ExecuteLineRequest
	if !s.bind(c, &req) {
		return
	}
	result, err := s.exec.ExecuteLine(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAggregation(c *gin.Context) {
	var req executor.AggregationRequest
	if !s.bind(c, &req) {
		return
	}
	result, err := s.exec.ExecuteAggregation(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if result.Failed() {
		s.reportf(c.Request.Context(), derrors.NewError(result.Error.Code, result.Error.Message, nil).WithNode(result.Error.Node),
			map[string]string{"stage": "aggregation", "run_id": req.RunID})
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleFinalize(c *gin.Context) {
	resp, err := s.exec.Finalize(c.Request.Context())
	s.syncHealth()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.exec.Cancel(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"initialized": s.exec.Initialized(),
	})
}

func (s *Server) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Code:    derrors.CodeValidation,
			Message: "invalid request body: " + err.Error(),
		}})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		s.reportf(c.Request.Context(), err, map[string]string{"path": c.FullPath()})
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{
		Code:    derrors.Code(err),
		Message: err.Error(),
		Node:    derrors.NodeOf(err),
	}})
}

func (s *Server) reportf(ctx context.Context, err error, tags map[string]string) {
	if s.report != nil {
		s.report(ctx, err, tags)
	}
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch derrors.Code(err) {
	case derrors.CodeValidation:
		return http.StatusBadRequest
	case derrors.CodeNotInitialized:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
