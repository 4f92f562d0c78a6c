package insights

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/meeting-voice-lab/llm"
)

type fakeGen struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeGen) Generate(ctx context.Context, req llm.Request) (string, error) {
	f.last = req
	return f.reply, f.err
}

type fakeSTT struct{ lang string }

func (f *fakeSTT) Transcribe(ctx context.Context, name string, audio io.Reader, language string) (llm.Transcription, error) {
	f.lang = language
	b, _ := io.ReadAll(audio)
	return llm.Transcription{Text: string(b)}, nil
}

func TestExtractTopics(t *testing.T) {
	g := &fakeGen{reply: `{"keywords":["budget"],"topics":[{"title":"Q3","summary":"plan"}]}`}
	out, err := New(g, nil).ExtractTopics(context.Background(), "we talked about the Q3 budget")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Keywords) != 1 || out.Topics[0].Title != "Q3" {
		t.Fatalf("topics = %+v", out)
	}
	if g.last.Tier != llm.TierFast || g.last.Schema == nil || !strings.Contains(g.last.Prompt, "Q3 budget") {
		t.Fatalf("request = %+v", g.last)
	}
}

func TestStructureMeetingUsesPowerfulTier(t *testing.T) {
	g := &fakeGen{reply: `{"summary":"s","sections":[],"decisions":["ship"],"actionItems":[{"task":"write doc","assignee":"Aiko"}],"participants":["Aiko"]}`}
	notes, err := New(g, nil).StructureMeeting(context.Background(), "transcript")
	if err != nil {
		t.Fatal(err)
	}
	if g.last.Tier != llm.TierPowerful || notes.ActionItems[0].Assignee != "Aiko" || notes.Decisions[0] != "ship" {
		t.Fatalf("notes = %+v, req = %+v", notes, g.last)
	}
}

func TestInvalidJSON(t *testing.T) {
	_, err := New(&fakeGen{reply: "sorry"}, nil).StructureMeeting(context.Background(), "x")
	if err == nil {
		t.Fatal("want decode error")
	}
}

func TestPromptsCarryContext(t *testing.T) {
	g := &fakeGen{reply: "ok"}
	s := New(g, nil)
	if _, err := s.SummarizeSegment(context.Background(), "body", "standup"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(g.last.Prompt, "Context: standup\n\n") {
		t.Fatalf("summary prompt = %q", g.last.Prompt)
	}
	if _, err := s.InlineResearch(context.Background(), "RAG", ""); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(g.last.Prompt, "Conversation context") || !strings.Contains(g.last.Prompt, `"RAG"`) {
		t.Fatalf("research prompt = %q", g.last.Prompt)
	}
}

func TestEmptyInput(t *testing.T) {
	s := New(&fakeGen{}, nil)
	ctx := context.Background()
	if _, err := s.ExtractTopics(ctx, " "); !errors.Is(err, ErrEmptyInput) {
		t.Fatal(err)
	}
	if _, err := s.SummarizeSegment(ctx, "", "c"); !errors.Is(err, ErrEmptyInput) {
		t.Fatal(err)
	}
	if _, err := s.InlineResearch(ctx, "", "c"); !errors.Is(err, ErrEmptyInput) {
		t.Fatal(err)
	}
	if _, err := s.StructureMeeting(ctx, ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatal(err)
	}
}

func TestGeneratorErrorPassesThrough(t *testing.T) {
	_, err := New(&fakeGen{err: llm.ErrTransient}, nil).ExtractTopics(context.Background(), "x")
	if !errors.Is(err, llm.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
}

func TestTranscribeJapanese(t *testing.T) {
	stt := &fakeSTT{}
	tr, err := New(&fakeGen{}, stt).Transcribe(context.Background(), "a.webm", strings.NewReader("abc"))
	if err != nil || tr.Text != "abc" || stt.lang != "ja" {
		t.Fatalf("Transcribe = %+v, %v (lang %q)", tr, err, stt.lang)
	}
	if _, err := New(&fakeGen{}, nil).Transcribe(context.Background(), "a", strings.NewReader("")); err == nil {
		t.Fatal("want error without transcriber")
	}
}
