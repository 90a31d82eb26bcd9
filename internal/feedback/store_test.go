package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"readly/internal/model"
)

func TestAddAppendsInOrder(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.Add(ctx, model.FeedbackRecord{DeviceID: "d1", Response: model.ResponseYes, SubmittedAt: time.Now()})
	s.Add(ctx, model.FeedbackRecord{DeviceID: "d2", Response: model.ResponseNo, UseCase: "research", SubmittedAt: time.Now()})

	all := s.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].DeviceID)
	assert.Equal(t, "d2", all[1].DeviceID)
	assert.Equal(t, 2, s.Count())
}

func TestAllReturnsSnapshot(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.Add(ctx, model.FeedbackRecord{DeviceID: "d1", Response: model.ResponseMaybe})
	snap := s.All()
	s.Add(ctx, model.FeedbackRecord{DeviceID: "d2", Response: model.ResponseYes})

	assert.Len(t, snap, 1, "earlier snapshot must not grow")
	assert.Len(t, s.All(), 2)
}
