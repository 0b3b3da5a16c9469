package recipe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: modelRecipe},
		})
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL, Model: "llama3.1"})
	got, err := gen.Generate(context.Background(), []string{"pasta", "broccoli", "walnuts"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotReq.Model != "llama3.1" || gotReq.Stream || gotReq.Format != "json" {
		t.Errorf("unexpected request: model=%q stream=%v format=%q", gotReq.Model, gotReq.Stream, gotReq.Format)
	}
	if got.Title != "Creamy Pasta with Broccoli and Walnuts" {
		t.Errorf("title = %q", got.Title)
	}
	if err := Validate(got); err != nil {
		t.Errorf("output failed validation: %v", err)
	}
}

func TestOllamaGenerateTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the request open until the client gives up. Drain the body
		// first so the server can notice the client disconnect and cancel
		// the request context; otherwise Close deadlocks on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := gen.Generate(context.Background(), []string{"pasta"})
	if err == nil {
		t.Fatal("Generate returned no error against a hung server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Generate blocked for %v, want the configured bound to apply", elapsed)
	}
}

func TestOllamaGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL})
	if _, err := gen.Generate(context.Background(), []string{"pasta"}); err == nil {
		t.Fatal("Generate treated a 500 response as success")
	}
}

func TestOllamaIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL})
	if !gen.IsRunning(context.Background()) {
		t.Error("IsRunning = false against a live server")
	}

	srv.Close()
	if gen.IsRunning(context.Background()) {
		t.Error("IsRunning = true against a closed server")
	}
}
