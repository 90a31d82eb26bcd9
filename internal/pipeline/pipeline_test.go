package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readly/internal/apperr"
	"readly/internal/model"
)

type fakeRenderer struct {
	content *model.Content
	err     error
	delay   time.Duration
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (*model.Content, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

type fakeEncoder struct {
	err error
}

func (f *fakeEncoder) Encode(ctx context.Context, format model.Format, content *model.Content) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(string(format) + ":" + content.Title), nil
}

func testContent() *model.Content {
	return &model.Content{Title: "An Article", Author: "Someone", Markup: "<p>body</p>"}
}

func TestRunSuccessEmitsPhasesInOrder(t *testing.T) {
	p := New(&fakeRenderer{content: testContent()}, &fakeEncoder{}, time.Second)

	var phases []model.Phase
	res, err := p.Run(context.Background(), "https://example.com/a", func(ph model.Phase) {
		phases = append(phases, ph)
	})
	require.NoError(t, err)

	assert.Equal(t, []model.Phase{model.PhaseFetching, model.PhaseExtracting, model.PhaseEncoding}, phases)
	assert.Equal(t, "An Article", res.Title)
	assert.Equal(t, []byte("pdf:An Article"), res.Artifacts[model.FormatPDF])
	assert.Equal(t, []byte("epub:An Article"), res.Artifacts[model.FormatEPUB])
}

func TestRunRenderFailureIsExtractionFailed(t *testing.T) {
	p := New(&fakeRenderer{err: errors.New("blocked by anti-bot page")}, &fakeEncoder{}, time.Second)

	_, err := p.Run(context.Background(), "https://example.com/a", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsExtractionFailed(err))
}

func TestRunEmptyBodyIsExtractionFailed(t *testing.T) {
	p := New(&fakeRenderer{content: &model.Content{Title: "t"}}, &fakeEncoder{}, time.Second)

	_, err := p.Run(context.Background(), "https://example.com/a", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsExtractionFailed(err))
}

func TestRunEncodeFailureIsEncodingFailed(t *testing.T) {
	p := New(&fakeRenderer{content: testContent()}, &fakeEncoder{err: errors.New("encoder crashed")}, time.Second)

	var phases []model.Phase
	_, err := p.Run(context.Background(), "https://example.com/a", func(ph model.Phase) {
		phases = append(phases, ph)
	})
	require.Error(t, err)
	assert.True(t, apperr.IsEncodingFailed(err))
	assert.Contains(t, phases, model.PhaseEncoding)
}

func TestRunDeadlineIsTimeout(t *testing.T) {
	p := New(&fakeRenderer{content: testContent(), delay: 200 * time.Millisecond}, &fakeEncoder{}, 20*time.Millisecond)

	_, err := p.Run(context.Background(), "https://example.com/a", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsTimeout(err))
}

func TestRunFillsTitleAndSourceDefaults(t *testing.T) {
	p := New(&fakeRenderer{content: &model.Content{Markup: "<p>x</p>"}}, &fakeEncoder{}, time.Second)

	res, err := p.Run(context.Background(), "https://example.com/a", nil)
	require.NoError(t, err)
	assert.Equal(t, "Untitled", res.Title)
}
