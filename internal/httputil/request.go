package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/civicbounty/service_layer/internal/errors"
)

// MaxJSONBodyBytes bounds request bodies decoded by DecodeJSON.
const MaxJSONBodyBytes = 64 << 10

// DecodeJSON decodes the request body into v and writes a 400 on failure. An empty body
// decodes to the zero value.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := ReadAllStrict(r.Body, MaxJSONBodyBytes)
	if err != nil {
		WriteError(w, r, errors.Validation("Request body too large or unreadable"))
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, r, errors.Validation("Invalid JSON body").WithDetails("reason", err.Error()))
		return false
	}
	return true
}
