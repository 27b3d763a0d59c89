package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAdmin checks the static admin token. With no token configured
// the admin routes are open, which is only meant for local profiles.
// Websocket clients that cannot set headers may pass ?access_token=.
func authorizeAdmin(r *http.Request, adminToken string) *authError {
	if adminToken == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header != "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	} else {
		presented = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if presented == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "admin token mismatch"}
	}
	return nil
}
