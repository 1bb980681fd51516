package relay

import (
	"bytes"
	"embed"
	"html/template"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed docs/*.md
var docsFS embed.FS

// DocPage holds a single rendered documentation page.
type DocPage struct {
	Slug  string
	Title string
	HTML  template.HTML
}

// DocSite holds all documentation pages, rendered at startup.
type DocSite struct {
	Pages  []DocPage
	BySlug map[string]*DocPage
}

// newDocSite renders the embedded markdown pages, ordered by filename.
// "01-publishing.md" becomes slug "publishing".
func newDocSite() *DocSite {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Table),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	site := &DocSite{BySlug: map[string]*DocPage{}}
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return site
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := docsFS.ReadFile(path.Join("docs", e.Name()))
		if err != nil {
			continue
		}

		name := strings.TrimSuffix(e.Name(), ".md")
		slug := name
		if _, rest, ok := strings.Cut(name, "-"); ok {
			slug = rest
		}

		title := slug
		for _, line := range strings.Split(string(data), "\n") {
			if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
				title = t
				break
			}
		}

		var buf bytes.Buffer
		if err := md.Convert(data, &buf); err != nil {
			log.Warnf("docs: render %s: %v", e.Name(), err)
			continue
		}
		site.Pages = append(site.Pages, DocPage{Slug: slug, Title: title, HTML: template.HTML(buf.String())})
	}

	for i := range site.Pages {
		site.BySlug[site.Pages[i].Slug] = &site.Pages[i]
	}
	return site
}

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Current.Title}} · goopcall relay</title>
<style>body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;display:flex;gap:2rem}
nav{min-width:12rem}nav a{display:block;margin:.3rem 0}table{border-collapse:collapse}
td,th{border:1px solid #ccc;padding:.3rem .6rem}code{background:#f4f4f4;padding:0 .2rem}</style>
</head><body>
<nav>{{range .Pages}}<a href="/docs/{{.Slug}}">{{.Title}}</a>{{end}}</nav>
<main>{{.Current.HTML}}</main>
</body></html>`))

type docsVM struct {
	Pages   []DocPage
	Current *DocPage
}
