package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type echoPayload struct {
	Location string `json:"location"`
	Length   int    `json:"length"`
}

// echoLocation отвечает JSON с полученным location, чтобы проверить распаковку тела.
func echoLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(echoPayload{Location: req.Location, Length: int(r.ContentLength)})
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func readBody(t *testing.T, res *http.Response) []byte {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		if err != nil {
			t.Fatalf("new gzip reader: %v", err)
		}
		defer gr.Close()
		r = gr
	}

	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func TestGzipMiddleware(t *testing.T) {
	plain := []byte(`{"location":"Koramangala, Bengaluru"}`)

	tests := []struct {
		name            string
		body            []byte
		contentEncoding string
		acceptEncoding  string
		wantStatus      int
		wantEncoding    string
		wantLocation    string
		wantMessage     string
	}{
		{
			name:            "compressed request decoded by handler",
			body:            gzipBytes(t, plain),
			contentEncoding: "gzip",
			wantStatus:      http.StatusOK,
			wantLocation:    "Koramangala, Bengaluru",
		},
		{
			name:           "json response compressed for gzip client",
			body:           plain,
			acceptEncoding: "gzip, deflate",
			wantStatus:     http.StatusOK,
			wantEncoding:   "gzip",
			wantLocation:   "Koramangala, Bengaluru",
		},
		{
			name:            "corrupt gzip body rejected before handler",
			body:            []byte("definitely not gzip"),
			contentEncoding: "gzip",
			wantStatus:      http.StatusBadRequest,
			wantMessage:     "Invalid gzip body",
		},
		{
			name:            "handler error body compressed",
			body:            gzipBytes(t, []byte("{broken")),
			contentEncoding: "gzip",
			acceptEncoding:  "gzip",
			wantStatus:      http.StatusBadRequest,
			wantEncoding:    "gzip",
			wantMessage:     "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/map", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.contentEncoding != "" {
				req.Header.Set("Content-Encoding", tt.contentEncoding)
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoLocation)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.wantStatus)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}
			if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Fatalf("content-type: got %q", ct)
			}

			body := readBody(t, res)

			if tt.wantMessage != "" {
				var e struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal(body, &e); err != nil {
					t.Fatalf("decode error body %q: %v", body, err)
				}
				if e.Message != tt.wantMessage {
					t.Fatalf("message: got %q want %q", e.Message, tt.wantMessage)
				}
				return
			}

			var got echoPayload
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode body %q: %v", body, err)
			}
			if got.Location != tt.wantLocation {
				t.Fatalf("location: got %q want %q", got.Location, tt.wantLocation)
			}
			if tt.contentEncoding == "gzip" && got.Length != -1 {
				t.Fatalf("content length of decompressed body must be unknown, got %d", got.Length)
			}
		})
	}
}

func TestGzipMiddleware_SkipsUnlistedContentTypes(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte{0x89}, 2048))
	}))

	req := httptest.NewRequest(http.MethodGet, "/static/marker.png", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("image must not be compressed, got content-encoding %q", ce)
	}
	if w.Body.Len() != 2048 {
		t.Fatalf("body length: got %d want 2048", w.Body.Len())
	}
}
