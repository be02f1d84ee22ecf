package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/skip2/go-qrcode"
)

const billJSON = `{"id":"4f1c9a","paid_by_name":"Alice","dishes":[{"id":"d1","name":"Laksa","price":"12.50"}]}`

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func gunzip(t *testing.T, r io.Reader) []byte {
	t.Helper()

	zr, err := gzip.NewReader(r)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	return body
}

func billHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(billJSON))
}

func TestGzipMiddleware_CompressesBillJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/bills/4f1c9a", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	w := httptest.NewRecorder()

	GzipMiddleware(http.HandlerFunc(billHandler)).ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusOK)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding: got %q want gzip", ce)
	}
	if vary := res.Header.Get("Vary"); vary != "Accept-Encoding" {
		t.Fatalf("vary: got %q", vary)
	}
	if body := gunzip(t, res.Body); string(body) != billJSON {
		t.Fatalf("body: got %q", body)
	}
}

func TestGzipMiddleware_PlainClientGetsPlainJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/bills/4f1c9a", nil)
	w := httptest.NewRecorder()

	GzipMiddleware(http.HandlerFunc(billHandler)).ServeHTTP(w, req)

	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding: got %q want none", ce)
	}
	if w.Body.String() != billJSON {
		t.Fatalf("body: got %q", w.Body.String())
	}
}

func TestGzipMiddleware_LeavesQRCodeUncompressed(t *testing.T) {
	png, err := qrcode.Encode("https://t.me/splitbill_bot?start=4f1c9a", qrcode.Medium, 128)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}

	qr := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/bills/4f1c9a/qr", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(qr).ServeHTTP(w, req)

	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding: got %q want none", ce)
	}
	if !bytes.Equal(w.Body.Bytes(), png) {
		t.Fatalf("png body changed: got %d bytes want %d", w.Body.Len(), len(png))
	}
}

func TestGzipMiddleware_DecompressesCreateBillRequest(t *testing.T) {
	type createBill struct {
		PaidByName string `json:"paid_by_name"`
		Dishes     []struct {
			Name string `json:"name"`
		} `json:"dishes"`
	}

	var got createBill
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			t.Errorf("request content-encoding left as %q", ce)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(billJSON))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/bills", gzipBytes(t, billJSON))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	GzipMiddleware(create).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d want %d, body %q", w.Code, http.StatusCreated, w.Body.String())
	}
	if got.PaidByName != "Alice" || len(got.Dishes) != 1 || got.Dishes[0].Name != "Laksa" {
		t.Fatalf("decoded request: %+v", got)
	}
	if body := gunzip(t, w.Body); !strings.Contains(string(body), `"paid_by_name":"Alice"`) {
		t.Fatalf("response body: %q", body)
	}
}

func TestGzipMiddleware_BrokenRequestBody(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(billJSON))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(next).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatalf("handler must not run for a broken gzip body")
	}
}
