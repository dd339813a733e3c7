package gateway

import (
	"github.com/rs/cors"

	"github.com/SimulatedWorld/ic/internal/constants"
)

var exposedHeaders = []string{
	"Accept-Ranges",
	"Content-Length",
	"Content-Range",
	"X-Request-Id",
	"X-Ic-Canister-Id",
}

var allowedHeaders = []string{
	"User-Agent",
	"DNT",
	"If-None-Match",
	"If-Modified-Since",
	"Cache-Control",
	"Content-Type",
	"Range",
	"Cookie",
	"X-Requested-With",
	"X-Ic-Canister-Id",
}

// corsAPILayer is the CORS policy for the IC API proxy routes.
func corsAPILayer(methods ...string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: methods,
		AllowedHeaders: allowedHeaders,
		ExposedHeaders: exposedHeaders,
		MaxAge:         int(constants.CORSMaxAge.Seconds()),
	})
}

// corsCanisterLayer is the CORS policy for the HTTP-to-canister route, which
// additionally admits the OpenChat headers.
func corsCanisterLayer(methods ...string) *cors.Cors {
	headers := make([]string, 0, len(allowedHeaders)+2)
	headers = append(headers, allowedHeaders...)
	headers = append(headers, "X-Oc-Jwt", "X-Oc-Api-Key")
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: exposedHeaders,
		MaxAge:         int(constants.CORSMaxAge.Seconds()),
	})
}
