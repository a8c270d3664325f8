package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/utils"
)

// Pagination describes the page returned by list endpoints.
type Pagination struct {
	Page       int   `json:"page" example:"1"`
	PageSize   int   `json:"page_size" example:"20"`
	Total      int64 `json:"total" example:"3"`
	TotalPages int   `json:"total_pages" example:"1"`
}

// ViolationsResponse is returned by GET /clients/{id}/violations.
type ViolationsResponse struct {
	Violations []domain.ViolationEvent `json:"violations"`
	Pagination Pagination              `json:"pagination"`
}

// ListViolations godoc
// @Summary      Client violations
// @Description  Lists the violations recorded for a client identity, newest first.
// @Tags         clients
// @Produce      json
// @Param        id         path   string  true   "Client ID (64 hex characters)"
// @Param        page       query  int     false  "Page number"  minimum(1)
// @Param        page_size  query  int     false  "Page size"    minimum(1)  maximum(100)
// @Success      200  {object}  ViolationsResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /clients/{id}/violations [get]
func (h *Handlers) ListViolations(c *gin.Context) {
	id, valid := identity.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid client id")
		return
	}
	pg := utils.ParsePage(c.Query("page"), c.Query("page_size"), 20, 100)

	items, total, err := h.Audit.ListViolations(c.Request.Context(), id, pg.Page, pg.PageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list violations")
		return
	}
	pages := int((total + int64(pg.PageSize) - 1) / int64(pg.PageSize))
	ok(c, http.StatusOK, ViolationsResponse{
		Violations: items,
		Pagination: Pagination{Page: pg.Page, PageSize: pg.PageSize, Total: total, TotalPages: pages},
	})
}

// Unblock godoc
// @Summary      Lift a client block
// @Description  Clears the active block of a client for one request type.
// @Tags         clients
// @Param        id    path  string  true  "Client ID (64 hex characters)"
// @Param        type  path  string  true  "Request type"
// @Success      204
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /clients/{id}/blocks/{type} [delete]
func (h *Handlers) Unblock(c *gin.Context) {
	id, valid := identity.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid client id")
		return
	}
	rt := strings.TrimSpace(c.Param("type"))
	if rt == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request type is required")
		return
	}

	cleared, err := h.Audit.Unblock(c.Request.Context(), id, rt)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not lift block")
		return
	}
	if !cleared {
		fail(c, http.StatusNotFound, ErrCodeNoBlock, "no active block for this client and request type")
		return
	}
	noContent(c)
}
