package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
)

func chatServer(t *testing.T, handle func(model string, body map[string]interface{}, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var p map[string]interface{}
		json.NewDecoder(r.Body).Decode(&p)
		model, _ := p["model"].(string)
		handle(model, p, w)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func TestModelSelectionAndFallback(t *testing.T) {
	// the powerful model fails with 500, the fallback answers
	ts := chatServer(t, func(model string, _ map[string]interface{}, w http.ResponseWriter) {
		if model == "gpt-4o" {
			http.Error(w, "server error", 500)
			return
		}
		reply(w, "ok from "+model)
	})
	client := New(Config{APIKey: "sk", BaseURL: ts.URL, FallbackModel: "local"})

	out, err := client.Generate(context.Background(), Request{Prompt: "hello", Tier: TierPowerful})
	if err != nil {
		t.Fatalf("expected success via fallback, got err: %v", err)
	}
	if out != "ok from local" {
		t.Fatalf("unexpected content: %v", out)
	}
}

func TestPermanentError(t *testing.T) {
	var calls atomic.Int32
	ts := chatServer(t, func(_ string, _ map[string]interface{}, w http.ResponseWriter) {
		calls.Add(1)
		http.Error(w, "unauthorized", 401)
	})
	client := New(Config{APIKey: "bad", BaseURL: ts.URL, FallbackModel: "local"})
	_, err := client.Generate(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent error retried: %d calls", calls.Load())
	}
}

func TestTransientWithoutFallback(t *testing.T) {
	ts := chatServer(t, func(_ string, _ map[string]interface{}, w http.ResponseWriter) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	client := New(Config{APIKey: "sk", BaseURL: ts.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "hi", Tier: TierFast})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got: %v", err)
	}
}

func TestSchemaSentAsResponseFormat(t *testing.T) {
	ts := chatServer(t, func(model string, body map[string]interface{}, w http.ResponseWriter) {
		rf, _ := body["response_format"].(map[string]interface{})
		js, _ := rf["json_schema"].(map[string]interface{})
		if rf["type"] != "json_schema" || js["name"] != "topics" || js["schema"] == nil {
			t.Errorf("response_format = %v", rf)
		}
		if msgs, _ := body["messages"].([]interface{}); len(msgs) != 2 {
			t.Errorf("messages = %v", body["messages"])
		}
		reply(w, `{"keywords":["a"]}`)
	})
	client := New(Config{APIKey: "sk", BaseURL: ts.URL})
	schema := &jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           map[string]jsonschema.Definition{"keywords": {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}}},
		Required:             []string{"keywords"},
		AdditionalProperties: false,
	}
	out, err := client.Generate(context.Background(), Request{System: "sys", Prompt: "p", Schema: schema, SchemaName: "topics"})
	if err != nil || out != `{"keywords":["a"]}` {
		t.Fatalf("Generate = %q, %v", out, err)
	}
}

func TestTranscribe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "ja" || r.FormValue("response_format") != "verbose_json" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			if string(b) != "RIFF" {
				t.Errorf("file body = %q", b)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"task":"transcribe","language":"japanese","duration":1.5,"text":"こんにちは","segments":[{"id":0,"start":0,"end":1.5,"text":"こんにちは"}]}`)
	}))
	defer ts.Close()

	client := New(Config{APIKey: "sk", BaseURL: ts.URL})
	tr, err := client.Transcribe(context.Background(), "meeting.wav", strings.NewReader("RIFF"), "")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text != "こんにちは" || tr.Duration != 1.5 || len(tr.Segments) != 1 || tr.Segments[0].End != 1.5 {
		t.Fatalf("transcription = %+v", tr)
	}
}
