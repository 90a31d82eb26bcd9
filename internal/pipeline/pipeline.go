// Package pipeline drives the two external collaborators that turn a URL
// into downloadable documents: the page renderer/extractor and the
// document encoders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"readly/internal/apperr"
	"readly/internal/model"
)

// Renderer fetches a URL and extracts structured article content. This is
// the only collaborator allowed to touch the network for page content.
type Renderer interface {
	Render(ctx context.Context, url string) (*model.Content, error)
}

// Encoder turns extracted content into the bytes of one output format.
type Encoder interface {
	Encode(ctx context.Context, format model.Format, content *model.Content) ([]byte, error)
}

// Result is a successful pipeline outcome.
type Result struct {
	Title     string
	Artifacts map[model.Format][]byte
	Elapsed   time.Duration
}

// Pipeline sequences exactly two external calls per job: render+extract,
// then encode into each supported format. The whole run is bounded by a
// single timeout; exceeding it abandons the external calls.
type Pipeline struct {
	renderer Renderer
	encoder  Encoder
	timeout  time.Duration
}

// New creates a pipeline with the given collaborators and overall timeout.
func New(renderer Renderer, encoder Encoder, timeout time.Duration) *Pipeline {
	return &Pipeline{renderer: renderer, encoder: encoder, timeout: timeout}
}

// Run converts url, reporting progress phases through emit (which may be
// nil). Failures are classified: rendering problems become
// extraction_failed, encoder problems become encoding_failed, and hitting
// the pipeline deadline becomes timeout regardless of which call was in
// flight.
func (p *Pipeline) Run(ctx context.Context, url string, emit func(model.Phase)) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if emit == nil {
		emit = func(model.Phase) {}
	}

	emit(model.PhaseFetching)
	content, err := p.renderer.Render(ctx, url)
	if err != nil {
		return nil, p.classify(ctx, err, apperr.CodeExtractionFailed, "render and extract failed")
	}
	if content == nil || content.Markup == "" {
		return nil, apperr.Wrap(errors.New("empty article body"), apperr.CodeExtractionFailed, "render and extract failed")
	}
	emit(model.PhaseExtracting)
	if content.Title == "" {
		content.Title = "Untitled"
	}
	if content.SourceURL == "" {
		content.SourceURL = url
	}

	emit(model.PhaseEncoding)
	artifacts := make(map[model.Format][]byte, len(model.Formats))
	var artifactsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, format := range model.Formats {
		g.Go(func() error {
			payload, err := p.encoder.Encode(gctx, format, content)
			if err != nil {
				return fmt.Errorf("encode %s: %w", format, err)
			}
			if len(payload) == 0 {
				return fmt.Errorf("encode %s: empty output", format)
			}
			artifactsMu.Lock()
			artifacts[format] = payload
			artifactsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, p.classify(ctx, err, apperr.CodeEncodingFailed, "document encoding failed")
	}

	return &Result{
		Title:     content.Title,
		Artifacts: artifacts,
		Elapsed:   time.Since(start),
	}, nil
}

// classify maps a collaborator error to the taxonomy, letting the
// pipeline deadline win over the stage-specific code.
func (p *Pipeline) classify(ctx context.Context, err error, code apperr.Code, message string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrapf(err, apperr.CodeTimeout, "conversion timed out after %s", p.timeout)
	}
	return apperr.Wrap(err, code, message)
}
