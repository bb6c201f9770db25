package chat

import (
	"context"
	"strings"
	"sync"

	"chatdesk/internal/generation"
	"chatdesk/internal/reveal"
)

// SendStream is Send with incremental output. Model text is forwarded as it
// arrives; answers that come back whole (search, images, the non-streaming
// fallback) are played back through a revealer so the client sees the same
// typing effect.
func (s *Service) SendStream(ctx context.Context, in SendInput, onChunk func(string)) (SendResult, error) {
	ex, err := s.prepare(ctx, in)
	if err != nil {
		return SendResult{}, err
	}

	var text, imageURL string
	var fellBack, streamed bool
	switch ex.route {
	case routeImage:
		text, imageURL, err = s.generateImage(ctx, ex)
	case routeSearch:
		text, err = s.search.Search(ctx, ex.request.Prompt, ex.composed.History)
	default:
		var resp generation.Response
		var sent strings.Builder
		resp, err = s.gen.GenerateStream(ctx, ex.request, func(chunk string) {
			sent.WriteString(chunk)
			onChunk(chunk)
		})
		text, fellBack = resp.Text, resp.FellBack
		// Chunks forwarded before a mid-stream failure are already on the
		// wire; only replay when nothing was sent.
		streamed = !fellBack || sent.Len() > 0
	}
	if err != nil {
		text, fellBack, err = s.fallback(ex, err)
		if err != nil {
			return SendResult{}, err
		}
		streamed = false
	}
	if !streamed {
		if err := s.play(ctx, text, onChunk); err != nil {
			return SendResult{}, err
		}
	}
	return s.complete(ctx, ex, text, imageURL, fellBack)
}

// play reveals text through onChunk as deltas and blocks until the reveal
// completes. Cancelling ctx flushes the remainder at once.
func (s *Service) play(ctx context.Context, text string, onChunk func(string)) error {
	done := make(chan struct{})
	r := reveal.New()
	var mu sync.Mutex
	sent := 0
	r.Start(text, s.revealSpeed, func(prefix string) {
		mu.Lock()
		defer mu.Unlock()
		if len(prefix) > sent {
			onChunk(prefix[sent:])
			sent = len(prefix)
		}
	}, func(string) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.Stop()
		<-done
		return ctx.Err()
	}
}
