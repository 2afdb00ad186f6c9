package imagejob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPWorker_Generate(t *testing.T) {
	var got workerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, "https://courier.example/callbacks/image", "secret", time.Second)
	err := worker.Generate(context.Background(), "job-42", Params{Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got.Reference != "job-42" || got.Prompt != "a lighthouse" {
		t.Errorf("request = %+v", got)
	}
	if got.CallbackURL != "https://courier.example/callbacks/image" {
		t.Errorf("callback url = %q", got.CallbackURL)
	}
	if !Verify("secret", "job-42", got.Signature) {
		t.Error("request signature does not verify")
	}
}

func TestHTTPWorker_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, "cb", "secret", time.Second)
	if err := worker.Generate(context.Background(), "job-42", Params{Prompt: "p"}); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestHTTPWorker_Generate_Unreachable(t *testing.T) {
	worker := NewHTTPWorker("http://127.0.0.1:1", "cb", "secret", 100*time.Millisecond)
	if err := worker.Generate(context.Background(), "job-42", Params{Prompt: "p"}); err == nil {
		t.Error("expected error for unreachable worker")
	}
}
