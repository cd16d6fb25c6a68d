package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRowIDDecodesStringAndNumber(t *testing.T) {
	var rec MessageRecord
	if err := json.Unmarshal([]byte(`{"id": 42, "sender_id": "a", "receiver_id": "b", "type": "text", "content": "hi", "timestamp": "2026-01-02T03:04:05Z"}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "42" {
		t.Errorf("numeric id = %q, want 42", rec.ID)
	}

	if err := json.Unmarshal([]byte(`{"id": "uuid-1"}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "uuid-1" {
		t.Errorf("string id = %q, want uuid-1", rec.ID)
	}
}

func TestInsertMessageEchoesTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon" {
			t.Error("missing apikey header")
		}
		var rec MessageRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Fatal(err)
		}
		rec.ID = "101"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]MessageRecord{rec})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon")
	got, err := c.InsertMessage(context.Background(), MessageRecord{
		ClientTag:  "tag-1",
		SenderID:   "a",
		ReceiverID: "b",
		Type:       "text",
		Content:    "hello",
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if got.ID != "101" {
		t.Errorf("ID = %q, want 101", got.ID)
	}
	if got.ClientTag != "tag-1" {
		t.Errorf("ClientTag = %q, want tag-1 (must be echoed)", got.ClientTag)
	}
}

func TestListMessagesWatermarkFilter(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "anon")
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := c.ListMessages(context.Background(), "a", "b", after); err != nil {
		t.Fatal(err)
	}
	if gotQuery == "" {
		t.Fatal("no request seen")
	}
	if want := "timestamp=gt."; !strings.Contains(gotQuery, want) {
		t.Errorf("query %q missing watermark filter %q", gotQuery, want)
	}
	if want := "order=timestamp.asc"; !strings.Contains(gotQuery, want) {
		t.Errorf("query %q missing %q", gotQuery, want)
	}
}

func TestInsertMessageSendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon")
	_, err := c.InsertMessage(context.Background(), MessageRecord{Content: "x"})
	if err == nil {
		t.Fatal("want error")
	}
	var sf *SendFailure
	if !errors.As(err, &sf) {
		t.Errorf("error type %T, want SendFailure", err)
	}
}
