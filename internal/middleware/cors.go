package middleware

import (
	"slices"

	"github.com/go-chi/cors"
)

// exposedHeaders lets browser clients read the usage counters and back-off hints.
var exposedHeaders = []string{
	"X-Request-ID",
	"Retry-After",
	"X-Usage-Daily",
	"X-Usage-Weekly",
	"X-Usage-Monthly",
	"X-Usage-Warning",
}

// CORS returns the options for the portal front end. Credentials are only allowed
// when no wildcard origin is configured.
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	allowCreds := !slices.Contains(allowedOrigins, "*")

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
