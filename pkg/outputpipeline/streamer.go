package outputpipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Batching thresholds mirror Mattermost's post size limit and keep the
// channel readable during a fast-talking turn.
const (
	// BatchMaxBytes is a safety margin under Mattermost's 16KB post limit.
	BatchMaxBytes = 14 * 1024
	BatchMaxLines = 80
	BatchTimeout  = 200 * time.Millisecond

	// contextWindowTokens is the assumed model context window used to
	// compute the "context getting full" warning threshold.
	contextWindowTokens      = 200_000
	contextWarnThresholdPct  = 80
	contextWarnAbsoluteToken = 160_000
)

// Poster is the subset of the chat client a Streamer needs to post and
// edit thread replies.
type Poster interface {
	PostInThread(ctx context.Context, channelID, threadID, message string) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
}

// MarkerHandler inspects a text line for an embedded command marker (an
// approval network request, an orchestrator sub-session directive, ...).
// It returns true if the line was consumed as a marker and should not be
// accumulated into the output batch.
type MarkerHandler func(ctx context.Context, line string) bool

// Streamer consumes a session's Event stream and renders it into a
// Mattermost thread: plain text is batched by size/line-count/time, tool
// actions and processing status collapse into one rolling status post
// that is edited in place, and completion events emit context-usage
// warnings.
type Streamer struct {
	Poster        Poster
	ChannelID     string
	ThreadID      string
	SessionID     string
	MarkerHandler MarkerHandler // optional; nil disables marker interception
	Log           *slog.Logger

	// OnTokens, if set, is invoked on every ResponseComplete with the
	// turn's token counts (for metrics).
	OnTokens func(inputTokens, outputTokens uint64)
}

// Run drains events until the channel closes or the source event channel
// is exhausted, flushing any trailing batch before returning.
func (s *Streamer) Run(ctx context.Context, events <-chan Event) {
	batch := newBatchState()
	timer := time.NewTimer(BatchTimeout)
	defer timer.Stop()
	stopTimer(timer)

	statusLines := make([]string, 0, 8)
	var statusPostID string

	flush := func() {
		s.flushBatch(ctx, batch)
		stopTimer(timer)
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				flush()
				return
			}
			s.handleEvent(ctx, event, batch, &statusLines, &statusPostID, timer)

		case <-timer.C:
			flush()
		}
	}
}

func (s *Streamer) handleEvent(ctx context.Context, event Event, batch *batchState, statusLines *[]string, statusPostID *string, timer *time.Timer) {
	switch e := event.(type) {
	case ProcessingStarted:
		*statusLines = (*statusLines)[:0]
		*statusLines = append(*statusLines, formatProcessingStarted(e.InputTokens))
		postID, err := s.Poster.PostInThread(ctx, s.ChannelID, s.ThreadID, strings.Join(*statusLines, "\n"))
		if err != nil {
			s.logWarn("post processing-started status", err)
			*statusPostID = ""
			return
		}
		*statusPostID = postID

	case TextLine:
		if s.MarkerHandler != nil && s.MarkerHandler(ctx, e.Line) {
			s.flushBatch(ctx, batch)
			stopTimer(timer)
			return
		}
		batch.add(e.Line)
		if batch.exceedsLimit() {
			s.flushBatch(ctx, batch)
		}
		resetTimer(timer, BatchTimeout)

	case ToolAction:
		s.flushBatch(ctx, batch)
		stopTimer(timer)
		*statusLines = append(*statusLines, "> "+e.Action)
		s.updateStatusPost(ctx, *statusLines, statusPostID)

	case TitleGenerated:
		s.flushBatch(ctx, batch)
		stopTimer(timer)
		title := strings.Trim(strings.TrimSpace(e.Title), `"`)
		if err := s.Poster.UpdatePost(ctx, s.ThreadID, title); err != nil {
			s.logWarn("update thread title", err)
		}
		if _, err := s.Poster.PostInThread(ctx, s.ChannelID, s.ThreadID, "Title updated."); err != nil {
			s.logWarn("post title-updated notice", err)
		}

	case ResponseComplete:
		s.flushBatch(ctx, batch)
		stopTimer(timer)
		if s.OnTokens != nil {
			s.OnTokens(e.InputTokens, e.OutputTokens)
		}
		if warning, ok := contextWindowWarning(e.InputTokens); ok {
			if _, err := s.Poster.PostInThread(ctx, s.ChannelID, s.ThreadID, warning); err != nil {
				s.logWarn("post context-window warning", err)
			}
		}

	case ProcessDied:
		s.flushBatch(ctx, batch)
		stopTimer(timer)

	default:
		// Unrecognized event kinds are ignored; new Event variants should
		// be handled explicitly above rather than silently dropped in
		// release builds that rely on this default.
	}
}

func (s *Streamer) updateStatusPost(ctx context.Context, statusLines []string, statusPostID *string) {
	msg := strings.Join(statusLines, "\n")
	if *statusPostID != "" {
		if err := s.Poster.UpdatePost(ctx, *statusPostID, msg); err != nil {
			s.logWarn("update status post", err)
		}
		return
	}
	postID, err := s.Poster.PostInThread(ctx, s.ChannelID, s.ThreadID, msg)
	if err != nil {
		s.logWarn("create status post", err)
		return
	}
	*statusPostID = postID
}

func (s *Streamer) flushBatch(ctx context.Context, batch *batchState) {
	content, ok := batch.drain()
	if !ok {
		return
	}
	if _, err := s.Poster.PostInThread(ctx, s.ChannelID, s.ThreadID, content); err != nil {
		s.logWarn("post batched output", err)
	}
}

func (s *Streamer) logWarn(action string, err error) {
	if s.Log == nil {
		return
	}
	s.Log.Warn("streamer: "+action+" failed", "session_id", s.SessionID, "error", err)
}

func formatProcessingStarted(inputTokens uint64) string {
	return "_Processing... (context: " + formatUint(inputTokens) + " tokens)_"
}

// contextWindowWarning returns a chat-ready warning message once the
// turn's input token count exceeds the "getting full" threshold.
func contextWindowWarning(inputTokens uint64) (string, bool) {
	if inputTokens <= contextWarnAbsoluteToken {
		return "", false
	}
	pct := inputTokens * 100 / contextWindowTokens
	return ":warning: **Context window " + formatUint(pct) + "% full** (" +
		formatUint(inputTokens) + " / 200k tokens) — consider using `compact` or `clear`", true
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// batchState accumulates text lines for a single flush, tracking byte
// size so a flush can be triggered before BatchMaxLines is hit.
type batchState struct {
	lines []string
	bytes int
}

func newBatchState() *batchState {
	return &batchState{lines: make([]string, 0, BatchMaxLines)}
}

func (b *batchState) add(line string) {
	b.lines = append(b.lines, line)
	b.bytes += len(line) + 1
}

func (b *batchState) exceedsLimit() bool {
	return b.bytes >= BatchMaxBytes || len(b.lines) >= BatchMaxLines
}

func (b *batchState) drain() (string, bool) {
	if len(b.lines) == 0 {
		return "", false
	}
	content := strings.Join(b.lines, "\n")
	b.lines = b.lines[:0]
	b.bytes = 0
	return content, true
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
