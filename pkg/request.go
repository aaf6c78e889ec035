package pkg

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2beens/fitsync/internal/apperrors"
)

// MaxRequestBodyBytes caps JSON request bodies; imports are the largest.
const MaxRequestBodyBytes = 8 << 20

// DecodeJSON reads a JSON body into v. A wrong content type or a malformed
// body is a validation error.
func DecodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), ContentType.JSON) {
		return apperrors.Validation(op, "invalid content type")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return apperrors.Validation(op, "invalid json body: "+err.Error())
	}
	return nil
}
