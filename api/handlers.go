package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/fanout"
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, fanout.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch taskerr.Code(err) {
	case taskerr.ErrCodeNoTargets, taskerr.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case taskerr.ErrCodeNotFound:
		return http.StatusNotFound
	case taskerr.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorResponse{
		Error: err.Error(),
		Code:  string(taskerr.Code(err)),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"operations": s.coord.Len(),
	})
}

// handleSubmit starts an operation. Submission outlives the request so a
// dropped client does not abort job creation.
func (s *Server) handleSubmit(c echo.Context) error {
	var req fanout.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, taskerr.InvalidInput("invalid request body", taskerr.WithCause(err)))
	}

	ctx := context.WithoutCancel(c.Request().Context())
	snap, err := s.coord.Submit(ctx, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coord.List())
}

func (s *Server) handleGet(c echo.Context) error {
	snap, err := s.coord.Snapshot(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.coord.Cancel(id); err != nil {
		return writeError(c, err)
	}
	snap, err := s.coord.Snapshot(id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRelease(c echo.Context) error {
	if err := s.coord.Release(c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
