package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/seatledger/internal/seatcp/apierr"
)

// IsHashedKey reports whether key looks like a bcrypt hash.
func IsHashedKey(key string) bool {
	return len(key) == 60 && (strings.HasPrefix(key, "$2a$") || strings.HasPrefix(key, "$2b$") || strings.HasPrefix(key, "$2y$"))
}

// HashKey returns a bcrypt hash suitable for SEATS_ADMIN_KEY.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckKey compares a presented key with the configured one, which may be
// plain or a bcrypt hash.
func CheckKey(presented, configured string) bool {
	if presented == "" || configured == "" {
		return false
	}
	if IsHashedKey(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if !CheckKey(key, adminKey) {
			log.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Bool("key_present", key != "").
				Msg("Admin request rejected")
			apierr.Write(w, r, apierr.New(http.StatusUnauthorized, apierr.CodeUnauthorized, "unauthorized", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}
