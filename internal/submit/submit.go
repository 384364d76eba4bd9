// Package submit sends conversion events with a bounded retry policy and
// turns the result into a per-row outcome.
package submit

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/resilience"
)

// Service delivers one event to a destination. Any returned error counts as
// a failed attempt.
type Service interface {
	Send(ctx context.Context, destinationID string, ev model.ConversionEvent) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, destinationID string, ev model.ConversionEvent) error

// Send calls f.
func (f ServiceFunc) Send(ctx context.Context, destinationID string, ev model.ConversionEvent) error {
	return f(ctx, destinationID, ev)
}

// Submitter applies a retry policy around a Service.
type Submitter struct {
	service       Service
	destinationID string
	policy        resilience.RetryConfig
}

// New returns a Submitter targeting destinationID. When skipPermanent is
// set, errors that are not transient end the retry sequence early.
func New(service Service, destinationID string, policy resilience.RetryConfig, skipPermanent bool) *Submitter {
	if skipPermanent {
		policy.ShouldRetry = resilience.IsTransient
	}
	return &Submitter{service: service, destinationID: destinationID, policy: policy}
}

// Submit sends ev for row. The retry sequence ignores cancellation of ctx so
// a stop request never cuts a row's attempts short; ctx values are kept.
func (s *Submitter) Submit(ctx context.Context, ev model.ConversionEvent, row model.RawRecord) model.Outcome {
	ctx = context.WithoutCancel(ctx)

	policy := s.policy
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("capi", zap.Int("row", row.Row))
	}

	attempts, err := resilience.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return s.service.Send(ctx, s.destinationID, ev)
	})
	if err != nil {
		zap.L().Debug("submit: attempts exhausted",
			zap.Int("row", row.Row),
			zap.Int("attempts", attempts),
			zap.String("class", resilience.Classify(err)),
			zap.Error(err),
		)
		return model.Failed(row, model.FailureSubmission, err.Error(), attempts)
	}
	return model.Succeeded(row, attempts)
}
