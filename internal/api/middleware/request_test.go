package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	apiContext "keyauth/internal/api/context"
	"keyauth/internal/platform/config"
)

func TestRequestLogger(t *testing.T) {
	var seenID, seenIP string
	handler := NewRequestLogger(NewClientIPResolver(nil))(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = r.Context().Value(apiContext.RequestID).(string)
		seenIP, _ = r.Context().Value(apiContext.ClientIP).(string)
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodPost, "/api", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
	if seenID == "" || rr.Header().Get("X-Request-ID") != seenID {
		t.Errorf("request id %q not propagated, header %q", seenID, rr.Header().Get("X-Request-ID"))
	}
	if seenIP != "192.0.2.1" {
		t.Errorf("client ip = %q", seenIP)
	}

	req = httptest.NewRequest(http.MethodPost, "/api", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seenID != "upstream-id" {
		t.Errorf("incoming request id not reused: %q", seenID)
	}
}

func TestRecover(t *testing.T) {
	handler := Recover(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	next := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }

	t.Run("wildcard preflight", func(t *testing.T) {
		cors := NewCORS(config.CORSConfig{AllowedOrigins: []string{"*"}, MaxAge: 600})
		rr := httptest.NewRecorder()
		cors.Handle(next).ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("preflight status = %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("allow origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
		if rr.Header().Get("Access-Control-Max-Age") != "600" {
			t.Errorf("max age = %q", rr.Header().Get("Access-Control-Max-Age"))
		}
		if rr.Body.Len() != 0 {
			t.Error("preflight body should be empty")
		}
	})

	t.Run("listed origin", func(t *testing.T) {
		cors := NewCORS(config.CORSConfig{AllowedOrigins: []string{"https://panel.example"}})

		req := httptest.NewRequest(http.MethodPost, "/api", nil)
		req.Header.Set("Origin", "https://panel.example")
		rr := httptest.NewRecorder()
		cors.Handle(next).ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://panel.example" {
			t.Errorf("allow origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}

		req.Header.Set("Origin", "https://evil.example")
		rr = httptest.NewRecorder()
		cors.Handle(next).ServeHTTP(rr, req)
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must not be allowed")
		}
	})
}
