package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeImage(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "banana.jpg")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestHTTPClientSendsBase64Image(t *testing.T) {
	var (
		gotPath, gotKey, gotType, gotBody string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("api_key")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions":[{"class":"ripe","confidence":0.95}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{
		BaseURL: server.URL + "/",
		Model:   "banana-ripeness",
		Version: "2",
		APIKey:  "secret",
	}, zap.NewNop())

	raw, err := client.Classify(context.Background(), writeImage(t, "jpeg-bytes"))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}

	if gotPath != "/banana-ripeness/2" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "secret" {
		t.Fatalf("unexpected api key %q", gotKey)
	}
	if gotType != "application/x-www-form-urlencoded" {
		t.Fatalf("unexpected content type %q", gotType)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")); gotBody != want {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if string(raw) != `{"predictions":[{"class":"ripe","confidence":0.95}]}` {
		t.Fatalf("unexpected raw response %s", raw)
	}
}

func TestHTTPClientReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: server.URL, Model: "m", Version: "1"}, zap.NewNop())

	_, err := client.Classify(context.Background(), writeImage(t, "x"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusForbidden || statusErr.Body != "quota exceeded" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestHTTPClientMissingImage(t *testing.T) {
	client := NewHTTPClient(HTTPConfig{BaseURL: "http://127.0.0.1:1", Model: "m", Version: "1"}, zap.NewNop())

	_, err := client.Classify(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestHTTPClientUnreachableService(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: url, Model: "m", Version: "1"}, zap.NewNop())
	if _, err := client.Classify(context.Background(), writeImage(t, "x")); err == nil {
		t.Fatal("expected connection error")
	}
}
