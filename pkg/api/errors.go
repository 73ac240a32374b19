package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statusflow/statusflow/pkg/engine"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// writeError maps a classified engine error to its HTTP status and writes the
// structured error body. Unclassified errors surface as 500 without leaking
// internals.
func writeError(c *gin.Context, err error) {
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		c.JSON(http.StatusInternalServerError, errorBody{Error: errorDetail{
			Kind:    string(engine.ErrorKindInternal),
			Message: "internal error",
		}})
		return
	}

	status := http.StatusInternalServerError
	switch te.Kind {
	case engine.ErrorKindNotFound:
		status = http.StatusNotFound
	case engine.ErrorKindConflict, engine.ErrorKindAlreadyTerminal:
		status = http.StatusConflict
	case engine.ErrorKindInvalidTransition, engine.ErrorKindValidation:
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, errorBody{Error: errorDetail{
		Code:      te.Code,
		Kind:      string(te.Kind),
		Message:   te.Message,
		Resource:  te.Resource,
		Operation: te.Operation,
	}})
}

// writeBadRequest reports a malformed request body or parameter.
func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    engine.ErrCodeValidation,
		Kind:    string(engine.ErrorKindValidation),
		Message: err.Error(),
	}})
}
