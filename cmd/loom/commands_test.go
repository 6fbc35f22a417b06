package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClient_PostMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chats/7/messages": `{"id":14,"chat_id":7,"role":"assistant","content":"sure thing"}`,
	})

	client := ts.client()

	resp, err := client.post(ctx, "/chats/7/messages", map[string]string{"content": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var reply struct {
		Content string `json:"content"`
		Role    string `json:"role"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if reply.Content != "sure thing" {
		t.Errorf("content = %q, want %q", reply.Content, "sure thing")
	}
	if reply.Role != "assistant" {
		t.Errorf("role = %q, want assistant", reply.Role)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "hello" {
		t.Errorf("body.content = %q, want hello", body["content"])
	}
}

func TestClient_CreateChat(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chats": `{"id":3,"title":""}`,
	})

	resp, err := ts.client().post(ctx, "/chats", map[string]any{"project_id": int64(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := decodeJSON(resp, &created); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if created.ID != 3 {
		t.Errorf("id = %d, want 3", created.ID)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/chats/999")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response, got nil")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention the status code", err)
	}
}
