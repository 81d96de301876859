// Package replay feeds recorded audit logs through detection in batch.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/normalize"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring"
)

const maxLineSize = 1 << 20

// Line is one JSONL entry of a replay file.
type Line struct {
	Provider string          `json:"provider"`
	Record   json.RawMessage `json:"record"`
}

// Processor runs one record through detection synchronously.
type Processor interface {
	Process(ctx context.Context, rec pipeline.Record) (*events.Decision, error)
}

// Read decodes JSONL from r and calls fn for every non-empty line. Lines
// that are not valid JSON are passed on with the raw line as the record so
// they are recorded as malformed. An empty provider means aws.
func Read(r io.Reader, fn func(lineNo int, rec pipeline.Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}

		raw := make([]byte, len(b))
		copy(raw, b)

		rec := pipeline.Record{Provider: events.ProviderOther, Raw: raw}
		var l Line
		if err := json.Unmarshal(raw, &l); err == nil && len(l.Record) > 0 {
			rec.Raw = l.Record
			rec.Provider, err = events.ParseProvider(l.Provider)
			if err != nil {
				rec.Provider = events.Provider(l.Provider)
			}
		}

		if err := fn(lineNo, rec); err != nil {
			return err
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("cannot read line %d: %w", lineNo+1, err)
	}
	return nil
}

// Summary counts replay decisions.
type Summary struct {
	Records  int
	Outcomes map[events.Outcome]int
	Reasons  map[string]int
}

func newSummary() *Summary {
	return &Summary{
		Outcomes: make(map[events.Outcome]int),
		Reasons:  make(map[string]int),
	}
}

func (s *Summary) add(d *events.Decision) {
	s.Records++
	s.Outcomes[d.Outcome]++
	s.Reasons[d.Reason]++
}

// Write prints the summary as sorted "key count" lines.
func (s *Summary) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "records %d\n", s.Records); err != nil {
		return err
	}
	for _, o := range slices.Sorted(maps.Keys(s.Outcomes)) {
		if _, err := fmt.Fprintf(w, "outcome %s %d\n", o, s.Outcomes[o]); err != nil {
			return err
		}
	}
	for _, r := range slices.Sorted(maps.Keys(s.Reasons)) {
		if _, err := fmt.Fprintf(w, "reason %s %d\n", r, s.Reasons[r]); err != nil {
			return err
		}
	}
	return nil
}

// Run processes every record in r in file order. It stops at the first
// error, which only a halted pipeline or a read failure produces.
func Run(ctx context.Context, r io.Reader, p Processor, logger *slog.Logger) (*Summary, error) {
	summary := newSummary()

	err := Read(r, func(lineNo int, rec pipeline.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := p.Process(ctx, rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		summary.add(d)

		if d.Outcome == events.OutcomeAlerted {
			logger.InfoContext(
				ctx,
				"alert",
				slog.Int("line", lineNo),
				slog.String("eventID", d.EventID),
				slog.String("actor", d.Actor),
				slog.String("reason", d.Reason),
			)
		}
		return nil
	})

	return summary, err
}

// Train extracts feature vectors for every usable record in r and fits an
// isolation forest on them. Malformed records are skipped. It returns the
// model and the number of rows it was trained on.
func Train(
	ctx context.Context,
	r io.Reader,
	baselines *baseline.Store,
	version string,
	opts scoring.ForestOptions,
	logger *slog.Logger,
) (*scoring.Model, int, error) {
	var rows [][]float64

	err := Read(r, func(lineNo int, rec pipeline.Record) error {
		ev, err := normalize.Normalize(rec.Raw, rec.Provider)
		if err != nil {
			logger.DebugContext(ctx, "skipping malformed record", slog.Int("line", lineNo), slog.String("error", err.Error()))
			return nil
		}

		vec, err := baselines.Extract(ctx, ev)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		row := make([]float64, len(baseline.FeatureNames))
		for i, name := range baseline.FeatureNames {
			row[i], _ = vec.Get(name)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, len(rows), err
	}

	m, err := scoring.TrainForest(version, baseline.FeatureNames, rows, opts)
	if err != nil {
		return nil, len(rows), fmt.Errorf("cannot train model: %w", err)
	}
	return m, len(rows), nil
}
