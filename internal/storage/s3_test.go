package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const locationXML = `<?xml version="1.0" encoding="UTF-8"?>
<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></LocationConstraint>`

// objectServer accepts path-style PUT /{bucket}/{key} and records what it saw.
type objectServer struct {
	*httptest.Server
	status      int
	gotPath     string
	gotType     string
	locationHit bool
}

func newObjectServer(t *testing.T, status int) *objectServer {
	t.Helper()
	s := &objectServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodGet && r.URL.Query().Has("location") {
			s.locationHit = true
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(locationXML))
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.gotPath = r.URL.Path
		s.gotType = r.Header.Get("Content-Type")
		if s.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestS3Provider_CustomEndpoint(t *testing.T) {
	srv := newObjectServer(t, http.StatusOK)
	p, err := NewS3Provider(context.Background(), S3Config{
		Bucket:    "models",
		Region:    "us-east-1",
		Prefix:    "plys/",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Endpoint:  srv.URL,
	})
	if err != nil {
		t.Fatalf("NewS3Provider: %v", err)
	}

	path := writeTemp(t, "scene.ply", []byte("ply\nend_header\n"))
	res, err := p.Upload(context.Background(), path, "application/octet-stream")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !strings.HasPrefix(res.Key, "plys/") || !strings.HasSuffix(res.Key, "_scene.ply") {
		t.Errorf("key = %q", res.Key)
	}
	if srv.gotPath != "/models/"+res.Key {
		t.Errorf("request path = %q, want /models/%s", srv.gotPath, res.Key)
	}
	if res.URL != srv.URL+"/models/"+res.Key {
		t.Errorf("url = %q", res.URL)
	}
	if res.Bucket != "models" || res.Provider != "s3" || res.Size != int64(len("ply\nend_header\n")) {
		t.Errorf("result = %+v", res)
	}
}

func TestS3Provider_UploadDenied(t *testing.T) {
	srv := newObjectServer(t, http.StatusForbidden)
	p, err := NewS3Provider(context.Background(), S3Config{
		Bucket:    "models",
		Region:    "us-east-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Endpoint:  srv.URL,
	})
	if err != nil {
		t.Fatalf("NewS3Provider: %v", err)
	}

	path := writeTemp(t, "scene.ply", []byte("ply\n"))
	_, err = p.Upload(context.Background(), path, "application/octet-stream")
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UploadError", err)
	}
	if ue.Provider != "s3" || ue.StatusCode != http.StatusForbidden {
		t.Errorf("upload error = %+v", ue)
	}
}

func TestS3Provider_ObjectURL(t *testing.T) {
	tests := []struct {
		name string
		p    S3Provider
		want string
	}{
		{"aws", S3Provider{bucket: "b", region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/k.ply"},
		{"endpoint", S3Provider{bucket: "b", endpoint: "http://minio:9000"}, "http://minio:9000/b/k.ply"},
		{"public", S3Provider{bucket: "b", endpoint: "https://x", publicURL: "https://cdn.example"}, "https://cdn.example/k.ply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.objectURL("k.ply"); got != tt.want {
				t.Errorf("objectURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectStorageType(t *testing.T) {
	tests := map[string]StorageType{
		"https://acct.r2.cloudflarestorage.com": StorageTypeR2,
		"s3.us-east-1.amazonaws.com":            StorageTypeS3,
		"http://localhost:9000":                 StorageTypeS3Compatible,
	}
	for endpoint, want := range tests {
		if got := detectStorageType(endpoint); got != want {
			t.Errorf("detectStorageType(%q) = %q, want %q", endpoint, got, want)
		}
	}
}

func TestMinIOProvider_Upload(t *testing.T) {
	srv := newObjectServer(t, http.StatusOK)
	p, err := NewMinIOProvider(MinIOConfig{
		Endpoint:  srv.URL,
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "models",
	})
	if err != nil {
		t.Fatalf("NewMinIOProvider: %v", err)
	}

	path := writeTemp(t, "scene.ply", []byte("ply"))
	res, err := p.Upload(context.Background(), path, "application/octet-stream")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if srv.gotPath != "/models/"+res.Key || srv.gotType != "application/octet-stream" {
		t.Errorf("request = %q %q", srv.gotPath, srv.gotType)
	}
	if res.URL != srv.URL+"/models/"+res.Key {
		t.Errorf("url = %q", res.URL)
	}
}

func TestMinIOProvider_UploadDenied(t *testing.T) {
	srv := newObjectServer(t, http.StatusForbidden)
	p, err := NewMinIOProvider(MinIOConfig{Endpoint: srv.URL, AccessKey: "a", SecretKey: "b", Bucket: "models"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Upload(context.Background(), writeTemp(t, "x.ply", []byte("ply")), "")
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Provider != "minio" || ue.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want minio UploadError 403", err)
	}
}
