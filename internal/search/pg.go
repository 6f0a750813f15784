package search

import (
	"context"
	"strings"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

// GuideFinder is the slice of the store the fallback needs.
type GuideFinder interface {
	SearchGuides(ctx context.Context, query string, limit int) ([]store.Guide, error)
	ListGuides(ctx context.Context) ([]store.Guide, error)
	GetGuide(ctx context.Context, guideID int64) (store.Guide, error)
}

// PgSearch is the Postgres fallback searcher. It runs a pattern match over
// guide names and descriptions, which is enough to keep search working when
// Meilisearch is down.
type PgSearch struct {
	guides GuideFinder
}

// NewPgSearch creates the fallback searcher.
func NewPgSearch(guides GuideFinder) *PgSearch {
	return &PgSearch{guides: guides}
}

// Healthy always reports true; the database is the system of record.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches guides by name and description.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	guides, err := p.guides.SearchGuides(context.Background(), q.Text, limit+q.Offset)
	if err != nil {
		return nil, 0, err
	}

	total := len(guides)
	if q.Offset >= len(guides) {
		return []Result{}, total, nil
	}
	guides = guides[q.Offset:]
	if len(guides) > limit {
		guides = guides[:limit]
	}

	results := make([]Result, 0, len(guides))
	for _, guide := range guides {
		results = append(results, Result{
			ID:          guide.ID,
			GuideID:     guide.GuideID,
			Name:        guide.Name,
			Snippet:     snippet(guide.Description),
			Icon:        guide.Icon,
			StepCount:   len(guide.Steps),
			Description: guide.Description,
		})
	}
	return results, total, nil
}

// LoadAllRecords reads every guide for reindexing into Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]GuideRecord, error) {
	guides, err := p.guides.ListGuides(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]GuideRecord, 0, len(guides))
	for _, guide := range guides {
		full, err := p.guides.GetGuide(ctx, guide.GuideID)
		if err != nil {
			continue
		}
		records = append(records, RecordFromGuide(full))
	}
	return records, nil
}

// RecordFromGuide flattens a guide into its indexable form.
func RecordFromGuide(guide store.Guide) GuideRecord {
	names := make([]string, 0, len(guide.Steps))
	for _, step := range guide.Steps {
		if step.Name != "" {
			names = append(names, step.Name)
		}
	}
	return GuideRecord{
		ID:          guide.ID,
		GuideID:     guide.GuideID,
		Name:        guide.Name,
		Description: guide.Description,
		Icon:        guide.Icon,
		StepNames:   strings.Join(names, " "),
		StepCount:   len(guide.Steps),
	}
}

func snippet(text string) string {
	const max = 160
	if len(text) <= max {
		return text
	}
	cut := strings.LastIndex(text[:max], " ")
	if cut <= 0 {
		cut = max
	}
	return text[:cut] + "..."
}
