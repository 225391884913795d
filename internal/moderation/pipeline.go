// Package moderation orchestrates the synchronous message pipeline:
// lexicon substitution, toxicity classification, flag decision, and the
// atomic persist + reputation update. A message is only ever broadcast after
// this pipeline has fully committed; if any step fails, nothing is persisted
// and nothing is delivered.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/chatme/chatme/internal/classify"
	"github.com/chatme/chatme/internal/lexicon"
	"github.com/chatme/chatme/internal/metrics"
	"github.com/chatme/chatme/internal/store"
)

// MessageStore is the persistence surface the pipeline commits through.
type MessageStore interface {
	CreateModerated(ctx context.Context, p store.CreateParams) (*store.Message, error)
}

// DefaultTimeout bounds one full pipeline run (classify + persist).
const DefaultTimeout = 10 * time.Second

// Pipeline runs the moderation steps for every inbound send. It holds only
// immutable collaborators and is safe for concurrent use.
type Pipeline struct {
	lex        *lexicon.Lexicon
	classifier classify.Classifier
	store      MessageStore
	timeout    time.Duration
}

// NewPipeline creates a Pipeline. A zero timeout falls back to
// DefaultTimeout.
func NewPipeline(lex *lexicon.Lexicon, classifier classify.Classifier, messageStore MessageStore, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		lex:        lex,
		classifier: classifier,
		store:      messageStore,
		timeout:    timeout,
	}
}

// Process moderates and persists one raw message from sender to room.
//
// Steps, in order: substitute the raw text; classify the substituted text
// (so a successful substitution can change the outcome); decide the flag;
// commit message + reputation counter in one transaction. On any failure the
// message is rejected with no partial effect — a classifier outage never
// lets unmoderated content through.
//
// The run is bounded by the pipeline timeout but deliberately detached from
// the caller's cancellation: a sender's connection dropping mid-pipeline
// must not abort a commit other subscribers may already be owed.
func (p *Pipeline) Process(ctx context.Context, room *store.Room, sender *store.User, raw string) (*store.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := time.Now()

	substituted := p.lex.Substitute(raw)

	scores, err := p.classifier.Scores(ctx, substituted)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("moderation: classify: %w", err)
	}

	label := classify.Resolve(scores)
	flagged := classify.IsFlagged(label)

	toxicity := ""
	if flagged {
		toxicity = label
	}

	msg, err := p.store.CreateModerated(ctx, store.CreateParams{
		RoomID:         room.ID,
		SenderID:       sender.ID,
		SenderName:     sender.Username,
		Content:        raw,
		UpdatedContent: substituted,
		Toxicity:       toxicity,
		IsFlagged:      flagged,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("moderation: persist: %w", err)
	}

	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	if flagged {
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()
		metrics.FlaggedByCategory.WithLabelValues(label).Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	}

	return msg, nil
}
