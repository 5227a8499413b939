package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"received":` + string(body) + `}`))
}

func gzipBytes(t *testing.T, s string) io.Reader {
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
		body            string
	}

	tests := []struct {
		name        string
		requestBody string
		compressed  bool
		headers     map[string]string
		want        want
	}{
		{
			name:        "client accepts gzip",
			requestBody: `{"itemId":"i1"}`,
			headers:     map[string]string{"Accept-Encoding": "gzip, deflate"},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				body:            `{"received":{"itemId":"i1"}}`,
			},
		},
		{
			name:        "client does not accept gzip",
			requestBody: `1`,
			headers:     map[string]string{},
			want: want{
				statusCode: http.StatusOK,
				body:       `{"received":1}`,
			},
		},
		{
			name:        "compressed request body",
			requestBody: `"card"`,
			compressed:  true,
			headers:     map[string]string{"Content-Encoding": "gzip"},
			want: want{
				statusCode: http.StatusOK,
				body:       `{"received":"card"}`,
			},
		},
		{
			name:        "compressed request and response",
			requestBody: `true`,
			compressed:  true,
			headers:     map[string]string{"Content-Encoding": "gzip", "Accept-Encoding": "gzip"},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				body:            `{"received":true}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader = strings.NewReader(tt.requestBody)
			if tt.compressed {
				requestBody = gzipBytes(t, tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/test", requestBody)
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

			var reader io.Reader = res.Body
			if tt.want.contentEncoding == "gzip" {
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
			if string(body) != tt.want.body {
				t.Fatalf("body: got %q want %q", string(body), tt.want.body)
			}
		})
	}
}

func TestGzipMiddleware_BrokenRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
}
