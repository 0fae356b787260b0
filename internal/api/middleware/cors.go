package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"keyauth/internal/platform/config"
)

type CORS struct {
	origins map[string]bool
	any     bool
	methods string
	headers string
	maxAge  string
}

func NewCORS(cfg config.CORSConfig) *CORS {
	c := &CORS{
		origins: make(map[string]bool),
		methods: strings.Join(cfg.AllowedMethods, ", "),
		headers: strings.Join(cfg.AllowedHeaders, ", "),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			c.any = true
		}
		c.origins[origin] = true
	}
	if len(cfg.AllowedOrigins) == 0 {
		c.any = true
	}
	if c.methods == "" {
		c.methods = "GET, POST, OPTIONS"
	}
	if c.headers == "" {
		c.headers = "Content-Type"
	}
	if cfg.MaxAge > 0 {
		c.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return c
}

func (c *CORS) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case c.any:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && c.origins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", c.methods)
		w.Header().Set("Access-Control-Allow-Headers", c.headers)
		if c.maxAge != "" {
			w.Header().Set("Access-Control-Max-Age", c.maxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
