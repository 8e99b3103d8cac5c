package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axiafin/modelgov/internal/governance"
)

// ProblemDetails is an RFC 7807 problem response.
type ProblemDetails struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail"`
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	typeValidation    = "https://api.axiafin.com/errors/validation-error"
	typeNotFound      = "https://api.axiafin.com/errors/not-found"
	typeStateConflict = "https://api.axiafin.com/errors/state-conflict"
	typeScope         = "https://api.axiafin.com/errors/scope-violation"
	typeInternal      = "https://api.axiafin.com/errors/internal-error"
)

// writeProblem maps a governance error to its problem response. Unknown
// errors become 500 without leaking internals.
func writeProblem(c *gin.Context, err error) {
	p := ProblemDetails{
		Type:      typeInternal,
		Title:     "Internal Server Error",
		Status:    http.StatusInternalServerError,
		Detail:    "an unexpected error occurred",
		Instance:  c.Request.URL.Path,
		Timestamp: time.Now().UTC(),
	}

	var gerr *governance.Error
	if errors.As(err, &gerr) {
		p.Detail = gerr.Error()
		switch gerr.Kind {
		case governance.KindValidation:
			p.Type, p.Title, p.Status = typeValidation, "Validation Error", http.StatusBadRequest
		case governance.KindNotFound:
			p.Type, p.Title, p.Status = typeNotFound, "Not Found", http.StatusNotFound
		case governance.KindStateConflict:
			p.Type, p.Title, p.Status = typeStateConflict, "State Conflict", http.StatusConflict
		case governance.KindScopeViolation:
			p.Type, p.Title, p.Status = typeScope, "Scope Violation", http.StatusForbidden
		}
	}

	c.AbortWithStatusJSON(p.Status, p)
}

// writeBindError reports request decoding failures as validation problems.
func writeBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ProblemDetails{
		Type:      typeValidation,
		Title:     "Validation Error",
		Status:    http.StatusBadRequest,
		Detail:    err.Error(),
		Instance:  c.Request.URL.Path,
		Timestamp: time.Now().UTC(),
	})
}
