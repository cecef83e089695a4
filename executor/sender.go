package executor

import (
	"context"

	"github.com/nowcrm/journeys"
)

// LogSender is the development-mode CompositionSender: it records the send
// in the log instead of delivering anything.
type LogSender struct {
	Logger journeys.Logger
}

func (s LogSender) Send(_ context.Context, contactID, compositionID string, _ map[string]any) error {
	journeys.NormalizeLogger(s.Logger).Info(
		"composition %s sent to contact %s", compositionID, contactID)
	return nil
}
