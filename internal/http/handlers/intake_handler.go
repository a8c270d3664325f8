package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/dispatch"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/services"
)

// SubmitRequest is the request body for POST /submissions.
type SubmitRequest struct {
	Email       string            `json:"email" binding:"required,email,max=254" example:"ada@example.com"`
	Name        string            `json:"name" binding:"max=200" example:"Ada Lovelace"`
	Phone       string            `json:"phone" binding:"max=40" example:"+44 20 7946 0958"`
	RequestType string            `json:"request_type" binding:"max=64" example:"pickup"`
	GroupKey    string            `json:"group_key" binding:"required,max=128" example:"north"`
	Category    string            `json:"category" binding:"max=128" example:"furniture"`
	Address     string            `json:"address" binding:"max=512" example:"12 Analytical Row"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// SubmitResponse is returned for an admitted submission.
type SubmitResponse struct {
	RequestID string                `json:"request_id" example:"3f1c5a52-55a1-4d0e-9b57-0f7b0c4f9a11"`
	ClientID  string                `json:"client_id" example:"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"`
	GroupKey  string                `json:"group_key" example:"north"`
	Count     int                   `json:"count" example:"3"`
	Epoch     int64                 `json:"epoch" example:"0"`
	Triggered bool                  `json:"triggered"`
	Batch     *dispatch.BatchResult `json:"batch,omitempty"`
}

// Submit godoc
// @Summary      Submit a request
// @Description  Evaluates the submission against the per-client limits. Admitted submissions join their group; the one that fills the group triggers the batch notification.
// @Tags         submissions
// @Accept       json
// @Produce      json
// @Param        body  body      SubmitRequest  true  "Submission"
// @Success      201   {object}  SubmitResponse
// @Failure      400   {object}  ErrorResponse
// @Failure      403   {object}  DenialResponse
// @Failure      413   {object}  ErrorResponse
// @Failure      429   {object}  DenialResponse
// @Failure      500   {object}  ErrorResponse
// @Router       /submissions [post]
func (h *Handlers) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}

	res, err := h.Intake.Submit(c.Request.Context(), services.SubmitInput{
		Client: identity.ClientData{
			Email: req.Email,
			Name:  req.Name,
			Phone: req.Phone,
			IP:    c.ClientIP(),
		},
		RequestType: req.RequestType,
		GroupKey:    req.GroupKey,
		Category:    req.Category,
		Address:     req.Address,
		Fields:      req.Fields,
	})
	var se *admission.StorageError
	switch {
	case errors.Is(err, services.ErrMissingGroup), errors.Is(err, services.ErrMissingContact):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case errors.As(err, &se):
		deny(c, res.Decision, h.now())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, "could not process submission")
		return
	}
	if !res.Decision.Allowed {
		deny(c, res.Decision, h.now())
		return
	}

	ok(c, http.StatusCreated, SubmitResponse{
		RequestID: res.RequestID,
		ClientID:  res.Decision.ClientID.String(),
		GroupKey:  res.Group.Group,
		Count:     res.Group.Count,
		Epoch:     res.Group.Epoch,
		Triggered: res.Group.Triggered,
		Batch:     res.Batch,
	})
}

// validationMessage lists the fields that failed binding validation.
func validationMessage(ve validator.ValidationErrors) string {
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}
