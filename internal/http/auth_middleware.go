package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/muratgozel/deployment-server/pkg/crypto"
)

type authContextKey string

const contextKeyUser authContextKey = "deployment-server-user"

type contextSetter interface {
	SetContext(context.Context)
}

// Credentials are the single operator account allowed on the management API.
// Secret may be a bcrypt hash, in which case the password is checked against it.
type Credentials struct {
	User   string
	Secret string
}

func (c Credentials) verify(user, password string) bool {
	if c.User == "" || c.Secret == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User)) == 1
	var secretOK bool
	if crypto.IsBcryptHash(c.Secret) {
		secretOK = crypto.ComparePassword([]byte(c.Secret), password) == nil
	} else {
		secretOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Secret)) == 1
	}
	return userOK && secretOK
}

// requireAuth ensures the request carries valid basic credentials before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, password, ok := req.BasicAuth()
		if !ok || !r.creds.verify(user, password) {
			r.logger.Warn("basic auth rejected", "path", req.URL.Path, "ip", clientIP(req))
			w.Header().Set("WWW-Authenticate", `Basic realm="deployment-server"`)
			writeError(w, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyUser, user)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// userFromContext returns the authenticated operator name.
func userFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKeyUser).(string)
	return user, ok && user != ""
}
