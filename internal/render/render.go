// Package render turns a stored item into the body and template parameters
// handed to the delivery provider.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/shohag/driprelay/internal/models"
)

var bodyTemplate = template.Must(template.New("item").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body>
{{- range .Sections}}
<div class="section section-{{.Name}}">{{.HTML}}</div>
{{- end}}
</body>
</html>
`))

type section struct {
	Name string
	HTML template.HTML
}

// Rendered is what a Sender needs for one item.
type Rendered struct {
	Subject string
	HTML    string
	Params  map[string]string
}

// Render formats each section and builds the provider params: subject, each
// section by name, then the sequence inputs. Inputs win on key collisions.
func Render(item models.Item, inputs map[string]string) (Rendered, error) {
	params := make(map[string]string, len(item.Sections)+len(inputs)+1)
	params["subject"] = item.Subject

	sections := make([]section, 0, len(item.Sections))
	for _, s := range item.Sections {
		formatted := FormatContent(s.Content)
		sections = append(sections, section{Name: s.Name, HTML: template.HTML(formatted)}) //nolint:gosec
		params[s.Name] = formatted
	}
	for k, v := range inputs {
		params[k] = v
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, struct {
		Subject  string
		Sections []section
	}{item.Subject, sections}); err != nil {
		return Rendered{}, fmt.Errorf("render item %s: %w", item.ID, err)
	}
	return Rendered{Subject: item.Subject, HTML: buf.String(), Params: params}, nil
}
