package post

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var imageTemplateFuncs = template.FuncMap{
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"replace":   strings.ReplaceAll,
	"trimSpace": strings.TrimSpace,
}

type imageTemplateData struct {
	Key      string
	Path     string
	Filename string
}

// imageTemplate renders the line appended to the post body for each image.
type imageTemplate struct {
	tmpl *template.Template
}

// parseImageTemplate returns nil for empty content, which disables image lines.
func parseImageTemplate(content string) (*imageTemplate, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	tmpl, err := template.New("image").Funcs(imageTemplateFuncs).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse image template: %w", err)
	}

	return &imageTemplate{tmpl: tmpl}, nil
}

// appendTo adds one rendered line per image after body, separated by a blank line.
func (t *imageTemplate) appendTo(body string, images []imageTemplateData) (string, error) {
	if t == nil || len(images) == 0 {
		return body, nil
	}

	var buf bytes.Buffer
	for _, img := range images {
		var line bytes.Buffer
		if err := t.tmpl.Execute(&line, img); err != nil {
			return "", fmt.Errorf("render image template: %w", err)
		}
		buf.WriteString(strings.TrimSpace(line.String()))
		buf.WriteByte('\n')
	}

	body = strings.TrimRight(body, "\r\n")
	if body == "" {
		return buf.String(), nil
	}

	return body + "\n\n" + buf.String(), nil
}
