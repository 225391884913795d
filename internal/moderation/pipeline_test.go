package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatme/chatme/internal/classify"
	"github.com/chatme/chatme/internal/lexicon"
	"github.com/chatme/chatme/internal/store"
)

// fakeSource backs the test lexicon.
type fakeSource map[string][]string

func (f fakeSource) Antonyms(word string) []string { return f[word] }

// fakeClassifier scores by exact text lookup; unknown texts score zero
// everywhere (resolve to non-toxic).
type fakeClassifier struct {
	byText map[string]classify.Scores
	err    error
	delay  time.Duration
	calls  []string
}

func (f *fakeClassifier) Scores(ctx context.Context, text string) (classify.Scores, error) {
	f.calls = append(f.calls, text)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, classify.ErrUnavailable
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.byText[text]; ok {
		return s, nil
	}
	return classify.Scores{}, nil
}

// fakeStore records create calls and fabricates committed messages.
type fakeStore struct {
	created []store.CreateParams
	err     error
	seq     int64
}

func (f *fakeStore) CreateModerated(ctx context.Context, p store.CreateParams) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	f.seq++
	return &store.Message{
		ID:             "m-test",
		RoomID:         p.RoomID,
		Seq:            f.seq,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Content:        p.Content,
		UpdatedContent: p.UpdatedContent,
		Toxicity:       p.Toxicity,
		IsFlagged:      p.IsFlagged,
		CreatedAt:      time.Now(),
	}, nil
}

func testLexicon() *lexicon.Lexicon {
	return lexicon.NewWithTerms(
		[]string{"idiot"},
		fakeSource{"idiot": {"genius"}},
	)
}

var (
	testRoom   = &store.Room{ID: 7, Name: "r1", IsGroup: true}
	testSender = &store.User{ID: 42, Username: "alice"}
)

// Substitution can change the classification outcome: the raw text would
// score as insult, but the classifier only ever sees the substituted text.
func TestProcess_ClassifiesSubstitutedText(t *testing.T) {
	clf := &fakeClassifier{byText: map[string]classify.Scores{
		"you are idiot":  {classify.LabelInsult: 0.9},
		"you are genius": {classify.LabelInsult: 0.1},
	}}
	st := &fakeStore{}
	p := NewPipeline(testLexicon(), clf, st, time.Second)

	msg, err := p.Process(context.Background(), testRoom, testSender, "you are idiot")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if len(clf.calls) != 1 || clf.calls[0] != "you are genius" {
		t.Errorf("classifier saw %v, want exactly [\"you are genius\"]", clf.calls)
	}
	if msg.UpdatedContent != "you are genius" {
		t.Errorf("UpdatedContent = %q, want %q", msg.UpdatedContent, "you are genius")
	}
	if msg.Content != "you are idiot" {
		t.Errorf("Content = %q, want raw text preserved", msg.Content)
	}
	if msg.IsFlagged || msg.Toxicity != "" {
		t.Errorf("message flagged (%v, %q), substitution should have cleared it", msg.IsFlagged, msg.Toxicity)
	}
}

// When the classifier still flags the substituted phrase, the label must
// reflect the substituted text's classification.
func TestProcess_FlagsWhenSubstitutedTextStillToxic(t *testing.T) {
	clf := &fakeClassifier{byText: map[string]classify.Scores{
		"you are genius": {classify.LabelInsult: 0.8},
	}}
	st := &fakeStore{}
	p := NewPipeline(testLexicon(), clf, st, time.Second)

	msg, err := p.Process(context.Background(), testRoom, testSender, "you are idiot")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if !msg.IsFlagged || msg.Toxicity != classify.LabelInsult {
		t.Errorf("got flagged=%v toxicity=%q, want flagged insult", msg.IsFlagged, msg.Toxicity)
	}
	if len(st.created) != 1 {
		t.Fatalf("store saw %d creates, want 1", len(st.created))
	}
	if !st.created[0].IsFlagged || st.created[0].Toxicity != classify.LabelInsult {
		t.Errorf("persisted params = %+v, want flagged insult", st.created[0])
	}
}

// Classifier outage fails closed: the send is rejected, nothing is persisted
// and the error is retryable (wraps ErrUnavailable).
func TestProcess_ClassifierUnavailableFailsClosed(t *testing.T) {
	clf := &fakeClassifier{err: classify.ErrUnavailable}
	st := &fakeStore{}
	p := NewPipeline(testLexicon(), clf, st, time.Second)

	_, err := p.Process(context.Background(), testRoom, testSender, "hello")
	if !errors.Is(err, classify.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(st.created) != 0 {
		t.Errorf("store saw %d creates, want none after classifier failure", len(st.created))
	}
}

// A classifier slower than the pipeline timeout is treated like an outage.
func TestProcess_ClassifierTimeout(t *testing.T) {
	clf := &fakeClassifier{delay: 500 * time.Millisecond}
	st := &fakeStore{}
	p := NewPipeline(testLexicon(), clf, st, 50*time.Millisecond)

	_, err := p.Process(context.Background(), testRoom, testSender, "hello")
	if !errors.Is(err, classify.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(st.created) != 0 {
		t.Errorf("store saw %d creates, want none after timeout", len(st.created))
	}
}

// Storage failure aborts the send the same way a classifier outage does.
func TestProcess_StorageFailure(t *testing.T) {
	clf := &fakeClassifier{}
	st := &fakeStore{err: errors.New("connection reset")}
	p := NewPipeline(testLexicon(), clf, st, time.Second)

	if _, err := p.Process(context.Background(), testRoom, testSender, "hello"); err == nil {
		t.Fatal("expected error when storage is unavailable")
	}
}

// The pipeline must survive the sender's connection dropping: a cancelled
// caller context does not abort the run.
func TestProcess_DetachedFromCallerCancellation(t *testing.T) {
	clf := &fakeClassifier{byText: map[string]classify.Scores{}}
	st := &fakeStore{}
	p := NewPipeline(testLexicon(), clf, st, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // connection already gone

	msg, err := p.Process(ctx, testRoom, testSender, "hello")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if msg == nil || len(st.created) != 1 {
		t.Error("pipeline should commit despite caller cancellation")
	}
}

func TestProcess_ReputationDirection(t *testing.T) {
	tests := []struct {
		name        string
		scores      classify.Scores
		wantFlagged bool
	}{
		{"clean message counts non-toxic", classify.Scores{}, false},
		{"threat counts toxic", classify.Scores{classify.LabelThreat: 0.9}, true},
		{"umbrella toxic alone counts non-toxic", classify.Scores{classify.LabelToxic: 0.99}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clf := &fakeClassifier{byText: map[string]classify.Scores{"hello": tt.scores}}
			st := &fakeStore{}
			p := NewPipeline(testLexicon(), clf, st, time.Second)

			if _, err := p.Process(context.Background(), testRoom, testSender, "hello"); err != nil {
				t.Fatalf("Process() error: %v", err)
			}
			if got := st.created[0].IsFlagged; got != tt.wantFlagged {
				t.Errorf("IsFlagged = %v, want %v", got, tt.wantFlagged)
			}
		})
	}
}
