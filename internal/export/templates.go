package export

import (
	"bytes"
	"html/template"
	"time"
)

var journalTemplate = template.Must(template.New("journal").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.Format("January 2, 2006 15:04")
	},
}).Parse(journalTemplateText))

// TemplateData holds data for journal template rendering.
type TemplateData struct {
	OwnerName   string
	GeneratedAt time.Time
	Entries     []JournalEntry
}

// RenderJournalHTML renders the journal export template.
func RenderJournalHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := journalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const journalTemplateText = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Growthlog Journal</title>
    <style>
        body { font-family: Georgia, 'Times New Roman', serif; line-height: 1.6; color: #222; max-width: 700px; margin: 0 auto; padding: 40px 20px; }
        header { border-bottom: 2px solid #2d7d46; margin-bottom: 30px; padding-bottom: 10px; }
        header h1 { margin: 0; }
        header p { color: #666; margin: 4px 0 0; }
        article { margin-bottom: 28px; page-break-inside: avoid; }
        article time { color: #666; font-size: 0.85em; }
        article p { margin: 6px 0; white-space: pre-wrap; }
        .tags { margin-top: 4px; }
        .tag { display: inline-block; background: #eaf4ee; color: #2d7d46; border-radius: 10px; padding: 2px 10px; font-size: 0.8em; margin-right: 6px; }
        .empty { color: #888; font-style: italic; }
    </style>
</head>
<body>
    <header>
        <h1>Growthlog Journal</h1>
        <p>{{.OwnerName}} &middot; exported {{formatDate .GeneratedAt}}</p>
    </header>
    {{if not .Entries}}
    <p class="empty">No thoughts recorded yet.</p>
    {{end}}
    {{range .Entries}}
    <article>
        <time>{{formatDate .CreatedAt}}</time>
        <p>{{.Text}}</p>
        {{if .Competencies}}
        <div class="tags">
            {{range .Competencies}}<span class="tag">{{.}}</span>{{end}}
        </div>
        {{end}}
    </article>
    {{end}}
</body>
</html>`
