// Package sink delivers ingested telemetry batches downstream.
package sink

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/ingest"
)

type Sink = ingest.Sink

// Multi passes batch to every sink in order. All sinks are tried, errors folded.
type Multi []Sink

func (m Multi) AcceptBatch(ctx context.Context, deviceID string, records []ingest.Record) error {
	errs := make([]error, 0, len(m))
	for _, s := range m {
		if err := s.AcceptBatch(ctx, deviceID, records); err != nil {
			errs = append(errs, errors.Annotatef(err, "sink %T", s))
		}
	}
	return helpers.FoldErrors(errs)
}

// Discard accepts and drops everything.
var Discard Sink = ingest.SinkFunc(func(context.Context, string, []ingest.Record) error { return nil })
