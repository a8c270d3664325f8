package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/intake-guard/internal/http/middleware"
	"github.com/tbourn/intake-guard/internal/services"
	"github.com/tbourn/intake-guard/internal/sysutil"
)

// GetGroup godoc
// @Summary      Group status
// @Description  Returns the accumulator state of a group with its pending members. Supports a weak ETag.
// @Tags         groups
// @Produce      json
// @Param        key            path    string  true   "Group key"
// @Param        runs           query   bool    false  "Include recent batch runs"
// @Param        If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success      200  {object}  services.GroupStatus
// @Success      304  {string}  string  "Not Modified"
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /groups/{key} [get]
func (h *Handlers) GetGroup(c *gin.Context) {
	withRuns := sysutil.IsTruthy(c.Query("runs"))
	st, err := h.Intake.Status(c.Request.Context(), c.Param("key"), withRuns)
	if errors.Is(err, services.ErrMissingGroup) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, "could not load group status")
		return
	}

	etag := groupETag(st, withRuns)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Header("ETag", etag)
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)
	ok(c, http.StatusOK, st)
}

// groupETag changes whenever the epoch, count, trigger flag or pending
// members of the group change. With runs, the latest run status is included.
func groupETag(st services.GroupStatus, withRuns bool) string {
	var oldest int64
	if st.OldestPending != nil {
		oldest = st.OldestPending.UnixNano()
	}
	tag := fmt.Sprintf("g-%s-%d-%d-%t-%d-%d", st.GroupKey, st.Epoch, st.Count, st.Triggered, st.Pending, oldest)
	if withRuns && len(st.RecentRuns) > 0 {
		last := st.RecentRuns[0]
		tag += fmt.Sprintf("-r%d-%d-%s", len(st.RecentRuns), last.Epoch, last.Status)
	}
	return `W/"` + tag + `"`
}

// RunBatch godoc
// @Summary      Run or retry the batch of a group
// @Description  Retries a failed batch for the current epoch, or flushes pending members before the threshold is reached.
// @Tags         groups
// @Produce      json
// @Param        key  path  string  true  "Group key"
// @Success      200  {object}  dispatch.BatchResult
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Failure      502  {object}  dispatch.BatchResult
// @Failure      500  {object}  ErrorResponse
// @Router       /groups/{key}/batch [post]
func (h *Handlers) RunBatch(c *gin.Context) {
	res, err := h.Intake.Rerun(c.Request.Context(), c.Param("key"))
	switch {
	case err == nil:
		ok(c, http.StatusOK, res)
	case errors.Is(err, services.ErrMissingGroup):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrNothingPending):
		fail(c, http.StatusNotFound, ErrCodeNothingQueued, "no pending members in this group")
	case errors.Is(err, services.ErrBatchClaimed):
		fail(c, http.StatusConflict, ErrCodeConflict, "batch for the current epoch already ran or is running")
	case errors.Is(err, services.ErrBatchFailed):
		middleware.LoggerFrom(c).Warn().Err(err).Str("group", res.GroupKey).Msg("batch rerun failed")
		c.AbortWithStatusJSON(http.StatusBadGateway, res)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeBatchFailed, "could not run batch")
	}
}
