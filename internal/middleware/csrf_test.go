package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func csrfHandler(t *testing.T, captured *string) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	return NewCSRFMiddleware(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = CSRFTokenFromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_GETIssuesToken(t *testing.T) {
	var token string
	w := httptest.NewRecorder()
	csrfHandler(t, &token).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CSRFCookieName || cookies[0].Value != token {
		t.Fatalf("cookies = %+v, want csrf cookie matching context token", cookies)
	}
	if !cookies[0].HttpOnly || cookies[0].SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie attributes = %+v", cookies[0])
	}
}

func TestCSRFMiddleware_GETReusesExistingToken(t *testing.T) {
	var token string
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	csrfHandler(t, &token).ServeHTTP(w, req)

	if token != "existing" {
		t.Errorf("token = %q, want existing", token)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("should not reissue cookie")
	}
}

func TestCSRFMiddleware_POST(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		form       string
		wantStatus int
	}{
		{"ヘッダー一致", "tok", "tok", "", http.StatusOK},
		{"フォーム一致", "tok", "", "tok", http.StatusOK},
		{"Cookieなし", "", "tok", "", http.StatusForbidden},
		{"送信トークンなし", "tok", "", "", http.StatusForbidden},
		{"不一致", "tok", "other", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.form != "" {
				body = strings.NewReader(url.Values{CSRFFormField: {tt.form}}.Encode())
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(http.MethodPost, "/signin", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeaderName, tt.header)
			}

			w := httptest.NewRecorder()
			csrfHandler(t, nil).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
