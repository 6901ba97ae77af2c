package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/http/response"
	"github.com/yungbote/contentforge-backend/internal/platform/apierr"
	"github.com/yungbote/contentforge-backend/internal/services"
)

// codeValidation covers both undecodable bodies and inputs that fail validation.
const codeValidation = "validation_error"

// toAPIError maps service errors onto transport errors. Anything unrecognised is a 500.
func toAPIError(err error) *apierr.Error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var te *services.TransitionError
	if errors.As(err, &te) {
		return apierr.Conflict("invalid_state_transition", err)
	}
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return apierr.BadRequest(codeValidation, err)
	}
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		return apierr.NotFound("job_not_found", err)
	case errors.Is(err, services.ErrDocumentNotFound):
		return apierr.NotFound("document_not_found", err)
	case errors.Is(err, services.ErrStageOutputNotFound):
		return apierr.NotFound("stage_output_not_found", err)
	}
	return apierr.Internal(err)
}

func respondErr(c *gin.Context, err error) {
	ae := toAPIError(err)
	if ae.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.RespondError(c, ae.Status, ae.Code, ae.Err)
}

func respondBadBody(c *gin.Context, err error) {
	response.RespondError(c, http.StatusBadRequest, codeValidation, err)
}

func pathUUID(c *gin.Context, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, code, err)
		return uuid.Nil, false
	}
	return id, true
}
