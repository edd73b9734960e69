package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/pkg/acp/jsonrpc"
)

// handleRPC multiplexes every verb onto a single POST /rpc endpoint using the
// same jsonrpc envelope the agent control protocol uses, so callers that
// already speak JSON-RPC 2.0 don't need a second client for the orchestrator API.
func (s *Server) handleRPC(c *gin.Context) {
	var req jsonrpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.Response{
			JSONRPC: "2.0",
			Error:   &jsonrpc.Error{Code: jsonrpc.ParseError, Message: err.Error()},
		})
		return
	}

	fn, ok := s.verbs[req.Method]
	if !ok {
		c.JSON(http.StatusOK, jsonrpc.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "unknown method " + req.Method},
		})
		return
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	result, err := fn(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusOK, jsonrpc.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   rpcError(err),
		})
		return
	}

	resultRaw, merr := json.Marshal(result)
	if merr != nil {
		c.JSON(http.StatusOK, jsonrpc.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonrpc.Error{Code: jsonrpc.InternalError, Message: merr.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  resultRaw,
	})
}

func rpcError(err error) *jsonrpc.Error {
	if apiErr, ok := apierr.As(err); ok {
		data, _ := json.Marshal(apiErr.Fields)
		return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: apiErr.Error(), Data: data}
	}
	return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()}
}
