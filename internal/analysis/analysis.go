// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package analysis answers natural-language questions about a data model
// with a generative model. The model sees the data model's schema, a
// sample of its rows as CSV and the question; answers are stored per
// project and count against the owner's monthly AI quota.
package analysis

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/datamodels"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/validation"
)

var (
	// ErrDisabled is returned when no generator is configured.
	ErrDisabled = errors.New("ai analyses are disabled")
	// ErrGeneration wraps failures of the generative model.
	ErrGeneration = errors.New("ai generation failed")
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	Model() string
}

// Store persists analyses. Implemented by database.DB.
type Store interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	ListAnalyses(ctx context.Context, projectID int64, limit int) ([]models.Analysis, error)
}

// ModelRunner loads and samples data models. Implemented by
// *datamodels.Service.
type ModelRunner interface {
	Get(ctx context.Context, id int64) (*models.DataModel, error)
	Execute(ctx context.Context, m *models.DataModel, limit int) (*datamodels.Result, error)
}

// LimitChecker enforces the project owner's tier.
type LimitChecker interface {
	CheckProject(ctx context.Context, projectID int64, r tiers.Resource) error
}

// Service runs analyses.
type Service struct {
	gen        Generator
	store      Store
	runner     ModelRunner
	limits     LimitChecker
	sampleRows int
	timeout    time.Duration
}

// NewService creates an analysis service. A nil generator disables
// analyses.
func NewService(gen Generator, store Store, runner ModelRunner, limits LimitChecker, sampleRows int, timeout time.Duration) *Service {
	if sampleRows <= 0 {
		sampleRows = 200
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Service{gen: gen, store: store, runner: runner, limits: limits, sampleRows: sampleRows, timeout: timeout}
}

// Enabled reports whether a generator is configured.
func (s *Service) Enabled() bool { return s.gen != nil }

// List returns a project's most recent analyses.
func (s *Service) List(ctx context.Context, projectID int64, limit int) ([]models.Analysis, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListAnalyses(ctx, projectID, limit)
}

// Analyze answers question about a data model and stores the result.
func (s *Service) Analyze(ctx context.Context, userID, projectID, dataModelID int64, question string) (*models.Analysis, error) {
	if s.gen == nil {
		return nil, ErrDisabled
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, validation.NewError("question", "question is required")
	}
	if s.limits != nil {
		if err := s.limits.CheckProject(ctx, projectID, tiers.ResourceAIAnalyses); err != nil {
			return nil, err
		}
	}

	m, err := s.runner.Get(ctx, dataModelID)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != projectID {
		return nil, fmt.Errorf("data model %d is not in project %d: %w", dataModelID, projectID, database.ErrNotFound)
	}
	sample, err := s.runner.Execute(ctx, m, s.sampleRows)
	if err != nil {
		return nil, fmt.Errorf("sample data model: %w", err)
	}

	prompt, err := BuildPrompt(m, sample, question)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	answer, err := s.gen.Generate(genCtx, systemPrompt, prompt)
	if err != nil {
		metrics.AIAnalyses.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	logging.Ctx(ctx).Info().Int64("data_model_id", m.ID).Int("sample_rows", len(sample.Rows)).
		Dur("duration", time.Since(start)).Str("model", s.gen.Model()).Msg("AI analysis generated")

	a := &models.Analysis{
		ProjectID:   projectID,
		DataModelID: m.ID,
		UserID:      userID,
		Question:    question,
		Answer:      strings.TrimSpace(answer),
		Model:       s.gen.Model(),
	}
	if err := s.store.CreateAnalysis(ctx, a); err != nil {
		metrics.AIAnalyses.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("store analysis: %w", err)
	}
	metrics.AIAnalyses.WithLabelValues("success").Inc()
	return a, nil
}

const systemPrompt = `You are a marketing analyst. Answer the user's question using only the data provided.
Quote concrete numbers from the data, say when the sample is insufficient, and keep the answer under 300 words.`

// BuildPrompt renders the schema, the sample as CSV and the question.
func BuildPrompt(m *models.DataModel, sample *datamodels.Result, question string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Data model: %s\n\nColumns:\n", m.Name)
	for _, c := range m.Columns {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.Type)
	}

	fmt.Fprintf(&b, "\nSample (%d rows", len(sample.Rows))
	if sample.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString("):\n")

	w := csv.NewWriter(&b)
	if err := w.Write(sample.Columns); err != nil {
		return "", err
	}
	record := make([]string, len(sample.Columns))
	for _, row := range sample.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) && row[i] != nil {
				record[i] = formatValue(row[i])
			}
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String(), nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
