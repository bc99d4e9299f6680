package web

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

type errorBody struct {
	Kind    domain.ErrorKind  `json:"kind,omitempty"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: msg}})
}

// writeError maps ledger errors to their HTTP status. Anything else is an
// internal failure and is logged.
func (s *Server) writeError(c *gin.Context, err error) {
	var le *domain.Error
	if errors.As(err, &le) {
		c.JSON(statusFor(le.Kind), gin.H{"error": errorBody{Kind: le.Kind, Code: le.Code, Message: le.Message, Context: le.Context}})
		return
	}
	if errors.Is(err, usecase.ErrStalePrice) || errors.Is(err, usecase.ErrUncertainPrice) {
		abortError(c, http.StatusServiceUnavailable, "PriceUnavailable", err.Error())
		return
	}
	s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	abortError(c, http.StatusInternalServerError, "Internal", "internal error")
}

func badRequest(c *gin.Context, msg string) {
	abortError(c, http.StatusBadRequest, "BadRequest", msg)
}

func parseAddress(s string) (domain.Address, bool) {
	if !common.IsHexAddress(s) {
		return domain.Address{}, false
	}
	return common.HexToAddress(s), true
}

// addressParam reads a path parameter as an address, writing a 400 on failure.
func addressParam(c *gin.Context, name string) (domain.Address, bool) {
	addr, ok := parseAddress(c.Param(name))
	if !ok {
		badRequest(c, "invalid address "+name)
	}
	return addr, ok
}
