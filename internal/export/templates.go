package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var guideTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"inc": func(i int) int { return i + 1 },
	}
	guideTemplate = template.Must(template.New("guide").Funcs(funcMap).Parse(guideTemplateHTML))
}

// TemplateData holds data for guide template rendering
type TemplateData struct {
	Name        string
	Description string
	Icon        string
	UpdatedAt   time.Time
	StepCount   int
	Steps       []TemplateStep
}

// TemplateStep holds step data for the template
type TemplateStep struct {
	Name        string
	Description string
	Annotations string
	Contents    []TemplateContent
}

// TemplateContent holds one media attachment for the template
type TemplateContent struct {
	Type string
	Link string
}

// RenderGuideHTML renders the guide template with provided data
func RenderGuideHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := guideTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const guideTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Name}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .step { page-break-inside: avoid; margin: 1.5rem 0; padding: 1rem; border-left: 3px solid #0066cc; background: #f8f9fb; }
    .step h2 { margin-top: 0; }
    .annotations { font-style: italic; color: #555; }
    .contents { font-size: 0.9em; color: #444; }
    .contents li { word-break: break-all; }
  </style>
</head>
<body>
  <h1>{{.Name}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">{{.StepCount}} steps | updated {{formatDate .UpdatedAt "Jan 2, 2006"}}</div>
  {{range $i, $step := .Steps}}
  <div class="step">
    <h2>Step {{inc $i}}{{if $step.Name}}: {{$step.Name}}{{end}}</h2>
    {{if $step.Description}}<p>{{$step.Description}}</p>{{end}}
    {{if $step.Annotations}}<p class="annotations">{{$step.Annotations}}</p>{{end}}
    {{if $step.Contents}}
    <div class="contents">
      <strong>Attachments</strong>
      <ul>
        {{range $step.Contents}}<li>{{lower .Type}}: {{.Link}}</li>{{end}}
      </ul>
    </div>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
