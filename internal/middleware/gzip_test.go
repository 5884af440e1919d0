package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if r.URL.Path == "/empty" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		bodyContains    string
	}

	tests := []struct {
		name        string
		path        string
		requestBody string
		compressed  bool
		headers     map[string]string
		want        want
	}{
		{
			name:        "json response is compressed",
			path:        "/api/listings/skills",
			requestBody: `{"title":"Python tutoring"}`,
			headers: map[string]string{
				"Accept-Encoding": "gzip, deflate",
				"Content-Type":    "application/json",
			},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    `received: {"title":"Python tutoring"}`,
			},
		},
		{
			name:        "client does not accept gzip",
			path:        "/api/listings/skills",
			requestBody: "plain request",
			headers: map[string]string{
				"Content-Type": "text/html",
			},
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: "received: plain request",
			},
		},
		{
			name:        "compressed request body is unpacked",
			path:        "/api/user/messages",
			requestBody: `{"content":"found your card"}`,
			compressed:  true,
			headers: map[string]string{
				"Content-Encoding": "gzip",
				"Content-Type":     "application/json",
			},
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: `received: {"content":"found your card"}`,
			},
		},
		{
			name: "no content is not compressed",
			path: "/empty",
			headers: map[string]string{
				"Accept-Encoding": "gzip",
			},
			want: want{
				statusCode: http.StatusNoContent,
			},
		},
		{
			name:        "broken gzip body",
			path:        "/api/user/messages",
			requestBody: "not gzip at all",
			headers: map[string]string{
				"Content-Encoding": "gzip",
			},
			want: want{
				statusCode:   http.StatusBadRequest,
				bodyContains: `{"code":400,"msg":"Bad Request"}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader = strings.NewReader(tt.requestBody)
			if tt.compressed {
				requestBody = gzipBytes(t, tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, tt.path, requestBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}
			if tt.want.bodyContains == "" {
				return
			}

			var reader io.Reader = res.Body
			if res.Header.Get("Content-Encoding") == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			body, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !strings.Contains(string(body), tt.want.bodyContains) {
				t.Fatalf("body %q does not contain %q", string(body), tt.want.bodyContains)
			}
		})
	}
}
