package export

import (
	"context"
	"fmt"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
)

// GuideSource loads the guide to export, either the live row or an archived
// revision.
type GuideSource interface {
	GetGuide(ctx context.Context, guideID int64) (store.Guide, error)
	SnapshotByHash(guideID int64, hash string) (store.Guide, error)
}

// Service provides guide export functionality
type Service struct {
	source GuideSource
}

// NewService creates a new export service
func NewService(source GuideSource) *Service {
	return &Service{source: source}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	guide, err := s.loadGuide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	html, err := RenderGuideHTML(templateData(guide))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, guide.Name)
	case FormatDOCX:
		return exportDOCX(html, guide.Name)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(guide.Name) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func (s *Service) loadGuide(ctx context.Context, req Request) (store.Guide, error) {
	if req.Version == "" || req.Version == "latest" {
		return s.source.GetGuide(ctx, req.GuideID)
	}
	return s.source.SnapshotByHash(req.GuideID, req.Version)
}

func templateData(guide store.Guide) TemplateData {
	data := TemplateData{
		Name:        guide.Name,
		Description: guide.Description,
		Icon:        guide.Icon,
		UpdatedAt:   guide.UpdatedAt,
		StepCount:   len(guide.Steps),
	}
	for _, step := range guide.Steps {
		ts := TemplateStep{
			Name:        step.Name,
			Description: step.Description,
			Annotations: step.Annotations,
		}
		for _, item := range step.Contents {
			ts.Contents = append(ts.Contents, TemplateContent{Type: item.Type, Link: item.Link})
		}
		data.Steps = append(data.Steps, ts)
	}
	return data
}
