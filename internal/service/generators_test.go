package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/timmy/lucidia/internal/domain"
)

func TestOpenAIImageGenerator_B64(t *testing.T) {
	img := pngBytes(t)
	var gotReq imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(img))
	}))
	defer srv.Close()

	g := NewOpenAIImageGenerator(&ImageGenConfig{APIKey: "key", BaseURL: srv.URL + "/v1", Model: "gpt-image-1", Size: "1024x1024"})
	if g.GetModel() != "gpt-image-1" {
		t.Errorf("GetModel = %q", g.GetModel())
	}
	data, err := g.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(data) != string(img) {
		t.Error("image bytes differ")
	}
	if gotReq.Model != "gpt-image-1" || gotReq.Prompt != "a cat" || gotReq.N != 1 || gotReq.Size != "1024x1024" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestOpenAIImageGenerator_URL(t *testing.T) {
	img := pngBytes(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			fmt.Fprintf(w, `{"data":[{"url":"%s/blob.png"}]}`, srv.URL)
		case "/blob.png":
			if r.Header.Get("Authorization") != "" {
				t.Error("api key leaked to image download")
			}
			_, _ = w.Write(img)
		}
	}))
	defer srv.Close()

	g := NewOpenAIImageGenerator(&ImageGenConfig{APIKey: "key", BaseURL: srv.URL})
	data, err := g.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(data) != len(img) {
		t.Errorf("got %d bytes, want %d", len(data), len(img))
	}
}

func TestOpenAIImageGenerator_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", 400, `{"error":{"message":"content policy","type":"invalid_request_error"}}`, "content policy"},
		{"no data", 200, `{"data":[]}`, "no image data found"},
		{"empty item", 200, `{"data":[{}]}`, "no image data found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewOpenAIImageGenerator(&ImageGenConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := g.Generate(context.Background(), "p")
			var pe *domain.ProviderError
			if !errors.As(err, &pe) || pe.Stage != "image" {
				t.Fatalf("err = %v, want image ProviderError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

// gradioServer emulates the upload, call, stream and file endpoints of a
// Gradio app mounted under /gradio_api.
func gradioServer(t *testing.T, streamBody string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/gradio_api/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("multipart: %v", err)
			}
			if len(r.MultipartForm.File["files"]) != 1 {
				t.Error("expected one uploaded file")
			}
			_, _ = w.Write([]byte(`["/tmp/gradio/abc/input.png"]`))
		case r.Method == http.MethodPost && r.URL.Path == "/gradio_api/call/predict":
			var body struct {
				Data []json.RawMessage `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Data) != 2 || !strings.Contains(string(body.Data[0]), "/tmp/gradio/abc/input.png") {
				t.Errorf("call data = %s", body.Data)
			}
			_, _ = w.Write([]byte(`{"event_id":"ev1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/gradio_api/call/predict/ev1":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, streamBody)
		case r.Method == http.MethodGet && r.URL.Path == "/gradio_api/file=/tmp/gradio/out/scene.ply":
			_, _ = w.Write([]byte("ply\nend_header\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func writeInputImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.png")
	if err := os.WriteFile(path, pngBytes(t), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGradioModelGenerator(t *testing.T) {
	stream := "event: generating\ndata: null\n\n" +
		"event: complete\ndata: [{\"path\":\"/tmp/gradio/out/scene.ply\",\"url\":null}]\n\n"
	srv := gradioServer(t, stream)
	defer srv.Close()

	g := NewGradioModelGenerator(&ModelGenConfig{BaseURL: srv.URL, APIPrefix: "/gradio_api", APIName: "predict", Token: "hf", Timeout: 5 * time.Second})
	out := filepath.Join(t.TempDir(), "plys", "generated_x")

	path, err := g.Generate(context.Background(), writeInputImage(t), "expand", out)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if path != out+".ply" {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.HasPrefix(string(data), "ply") {
		t.Errorf("output = %q, %v", data, err)
	}
}

func TestGradioModelGenerator_ErrorEvent(t *testing.T) {
	srv := gradioServer(t, "event: error\ndata: \"GPU quota exceeded\"\n\n")
	defer srv.Close()

	g := NewGradioModelGenerator(&ModelGenConfig{BaseURL: srv.URL, APIPrefix: "gradio_api", APIName: "/predict"})
	_, err := g.Generate(context.Background(), writeInputImage(t), "p", filepath.Join(t.TempDir(), "m.ply"))
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Stage != "model" {
		t.Fatalf("err = %v, want model ProviderError", err)
	}
	if !strings.Contains(err.Error(), "GPU quota exceeded") {
		t.Errorf("err = %v", err)
	}
}

func TestParseGradioOutput(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"file object", `[{"path":"/a.ply","url":"https://x/a.ply"}]`, "https://x/a.ply", false},
		{"bare path", `["/b.ply"]`, "/b.ply", false},
		{"empty", `[]`, "", true},
		{"number", `[3]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGradioOutput(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			loc := got.URL
			if loc == "" {
				loc = got.Path
			}
			if loc != tt.want {
				t.Errorf("got %q, want %q", loc, tt.want)
			}
		})
	}
}
