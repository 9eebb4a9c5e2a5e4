package validation

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// ParseResponse extracts the shared secret from a validation response.
//
// It fails unless status is 200, body is a JSON object and the object's
// "scope" equals scope exactly. On success it returns "access_token".
// Fields that are absent or not strings read as "", so a correctly scoped
// response without an access token succeeds with an empty secret; callers
// see that as "not authorized" through the empty string.
func ParseResponse(status int, body []byte, scope string) (string, error) {
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if fields == nil {
		return "", fmt.Errorf("%w: not a JSON object", ErrMalformedResponse)
	}

	if got := stringField(fields, "scope"); got != scope {
		return "", fmt.Errorf("%w: got %q, want %q", ErrScopeMismatch, got, scope)
	}
	return stringField(fields, "access_token"), nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
