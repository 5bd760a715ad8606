package agentdesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStartChatSendsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("expected bearer credential, got %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message != "hello" {
			t.Fatalf("unexpected body: %+v %v", req, err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{SessionID: "s1", Status: "started", TaskID: "t1"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.StartChat(context.Background(), ChatRequest{UserID: "u1", Message: "hello"}); err == nil {
		t.Fatalf("expected error without credential")
	}
	client.SetCredential("tok")
	got, err := client.StartChat(context.Background(), ChatRequest{UserID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	if got.SessionID != "s1" || got.TaskID != "t1" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestRespondDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":"SESSION_EXPIRED","message":"session expired"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Respond(context.Background(), "s1", "yes")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusGone || apiErr.Code != "SESSION_EXPIRED" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestStreamReadsUntilTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/s1/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": heartbeat\n\n")
		for i, typ := range []string{"thinking", "message", "complete"} {
			data, _ := json.Marshal(Event{Type: typ, SessionID: "s1", Seq: int64(i + 1), Text: typ})
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", i+1, typ, data)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.Stream(ctx, "s1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var types []string
	for event := range events {
		types = append(types, event.Type)
	}
	if len(types) != 3 || types[0] != "thinking" || types[2] != "complete" {
		t.Fatalf("unexpected events %v", types)
	}
}
