package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-converter/internal/model"
)

// --- Recorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateRun(ctx context.Context, source, pixelID string) (*model.Run, error) {
	args := m.Called(ctx, source, pixelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockRecorder) AddFailures(ctx context.Context, runID string, recs []model.FailureRecord) (int64, error) {
	args := m.Called(ctx, runID, recs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRecorder) FinishRun(ctx context.Context, runID string, summary *model.Summary) error {
	args := m.Called(ctx, runID, summary)
	return args.Error(0)
}
