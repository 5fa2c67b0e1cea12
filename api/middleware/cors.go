package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

var defaultCORSOrigins = []string{
	"http://localhost:3000", // storefront dev
	"http://localhost:5173", // admin dev
}

// CORS returns middleware that applies the API's allowed origin policy.
// Extra origins come from configuration.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := append([]string{}, defaultCORSOrigins...)
	allowed = append(allowed, origins...)
	return cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
