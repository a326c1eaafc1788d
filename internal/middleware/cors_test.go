package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testFrontendOrigin = "https://app.example.com"

func TestCORSMiddleware_AllowedOriginGetsCredentialedHeaders(t *testing.T) {
	mw := NewCORSMiddleware(testFrontendOrigin)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Origin", testFrontendOrigin)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Origin", testFrontendOrigin},
		{"Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS"},
		{"Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token"},
		{"Access-Control-Expose-Headers", "Retry-After"},
		{"Vary", "Origin"},
		{"Access-Control-Allow-Credentials", "true"},
		{"Access-Control-Max-Age", "86400"},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCORSMiddleware_PreflightForProfileUpdate(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"許可オリジン", testFrontendOrigin, testFrontendOrigin},
		{"許可外オリジンにはCORSヘッダーを付けない", "https://evil.example.net", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled := false
			handler := NewCORSMiddleware(testFrontendOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
			}))

			req := httptest.NewRequest(http.MethodOptions, "/api/users/me", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
			req.Header.Set("Access-Control-Request-Headers", "content-type, x-csrf-token")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if handlerCalled {
				t.Error("next handler should not be called for OPTIONS preflight")
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin == "" && w.Header().Get("Access-Control-Allow-Credentials") != "" {
				t.Error("credentials must not be allowed for a foreign origin")
			}
			if got := w.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}

func TestCORSMiddleware_SignInPassesThroughWithHeaders(t *testing.T) {
	mw := NewCORSMiddleware(testFrontendOrigin)

	handlerCalled := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
	req.Header.Set("Origin", testFrontendOrigin)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !handlerCalled {
		t.Error("next handler should be called for sign-in")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testFrontendOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testFrontendOrigin)
	}
}

func TestCORSMiddleware_ForeignOriginStillReachesHandler(t *testing.T) {
	// 実リクエストの拒否はブラウザ側が行う。サーバーは処理しつつ許可ヘッダーを返さない
	handlerCalled := false
	handler := NewCORSMiddleware(testFrontendOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !handlerCalled {
		t.Error("next handler should be called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}
