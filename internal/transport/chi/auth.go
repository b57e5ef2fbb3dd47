package chi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	logpkg "github.com/kailas-cloud/flowgate/internal/logger"
)

// apiKey is a configured credential. Entries written as "name=secret" are
// logged under name; bare secrets get a positional name.
type apiKey struct {
	name   string
	secret []byte
}

func parseAPIKeys(raw []string) []apiKey {
	var keys []apiKey
	for i, k := range raw {
		if k == "" {
			continue
		}
		name, secret, ok := strings.Cut(k, "=")
		if !ok || name == "" || secret == "" {
			name, secret = fmt.Sprintf("key-%d", i), k
		}
		keys = append(keys, apiKey{name: name, secret: []byte(secret)})
	}
	return keys
}

// apiKeyAuth guards every route except the open ones. The credential is read
// from "Authorization: Bearer <key>" or, failing that, from X-API-Key. With
// no keys configured the gateway is open.
func apiKeyAuth(rawKeys []string, open ...string) func(http.Handler) http.Handler {
	keys := parseAPIKeys(rawKeys)
	public := make(map[string]struct{}, len(open))
	for _, p := range open {
		public[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			token, err := credential(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
				return
			}
			name, ok := match(keys, token)
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
				return
			}
			ctx := logpkg.ContextWithLogger(r.Context(), logpkg.FromContext(r.Context()).With(zap.String("api_key", name)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func credential(r *http.Request) ([]byte, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, _ := strings.Cut(auth, " ")
		if !strings.EqualFold(scheme, "Bearer") || token == "" {
			return nil, errors.New("authorization header must use Bearer scheme")
		}
		return []byte(token), nil
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return []byte(key), nil
	}
	return nil, errors.New("missing api key")
}

// match compares against every key so timing does not reveal which one matched.
func match(keys []apiKey, token []byte) (string, bool) {
	name := ""
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k.secret, token) == 1 && name == "" {
			name = k.name
		}
	}
	return name, name != ""
}
