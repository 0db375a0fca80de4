package httpx

import (
	"errors"
	"net/http"

	"github.com/tabung-erp/tabung-erp/internal/shared"
)

// Classifier lets domain packages map their sentinel errors onto HTTP
// semantics without httpx importing them.
type Classifier func(error) (status int, title string, ok bool)

// RespondError maps an error to an RFC7807 response. Domain classifiers
// run first, then the shared sentinels, then a generic 500 that leaks no
// detail.
func RespondError(w http.ResponseWriter, err error, classifiers ...Classifier) {
	for _, classify := range classifiers {
		if classify == nil {
			continue
		}
		if status, title, ok := classify(err); ok {
			Problem(w, status, title, err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrLockHeld):
		Problem(w, http.StatusConflict, "Locked", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
