package dualmailer

import (
	"fmt"
	"html"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	textTemplate "text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// baseStyle is appended to every rendered document.
const baseStyle = "body { font-family: Arial, Helvetica, sans-serif; }"

// RenderHTML builds the standalone HTML document sent as the HTML part of a
// message. The title is escaped, the style and body are inserted verbatim.
// The output depends only on content.
func RenderHTML(content HTMLContent) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>")
	b.WriteString(html.EscapeString(content.Title))
	b.WriteString("</title>\n<style>")
	if content.Style != "" {
		b.WriteString(content.Style)
		b.WriteString("\n")
	}
	b.WriteString(baseStyle)
	b.WriteString("</style>\n</head>\n<body>\n")
	b.WriteString(content.Body)
	b.WriteString("\n</body>\n</html>")
	return b.String()
}

// templateEngine implements TemplateEngine. Templates named *.html are
// parsed with html/template, everything else with text/template.
type templateEngine struct {
	config        TemplateConfig
	htmlTemplates map[string]*template.Template
	textTemplates map[string]*textTemplate.Template
	mutex         sync.RWMutex
}

// NewTemplateEngine creates a new template engine with the given configuration.
func NewTemplateEngine(config TemplateConfig) (TemplateEngine, error) {
	if len(config.Extension) == 0 {
		config.Extension = []string{".html", ".txt"}
	}

	engine := &templateEngine{
		config:        config,
		htmlTemplates: make(map[string]*template.Template),
		textTemplates: make(map[string]*textTemplate.Template),
	}

	if config.Directory != "" {
		if err := engine.LoadTemplatesFromDir(config.Directory); err != nil {
			return nil, fmt.Errorf("failed to load templates from directory: %w", err)
		}
	}

	return engine, nil
}

// Render renders a template with the provided data.
func (te *templateEngine) Render(name string, data any) (string, error) {
	te.mutex.RLock()
	htmlTmpl, isHTML := te.htmlTemplates[name]
	textTmpl, isText := te.textTemplates[name]
	te.mutex.RUnlock()

	var buf strings.Builder
	switch {
	case isHTML:
		if err := htmlTmpl.Execute(&buf, data); err != nil {
			return "", NewTemplateError(name, "render", "failed to execute HTML template", err)
		}
	case isText:
		if err := textTmpl.Execute(&buf, data); err != nil {
			return "", NewTemplateError(name, "render", "failed to execute text template", err)
		}
	default:
		return "", ErrTemplateNotFound
	}
	return buf.String(), nil
}

// RegisterTemplate registers a template with the given name and content.
func (te *templateEngine) RegisterTemplate(name, content string) error {
	funcs := te.funcs()

	if strings.HasSuffix(name, ".html") {
		tmpl, err := template.New(name).Funcs(template.FuncMap(funcs)).Parse(content)
		if err != nil {
			return NewTemplateError(name, "parse", "failed to parse HTML template", err)
		}
		te.mutex.Lock()
		te.htmlTemplates[name] = tmpl
		delete(te.textTemplates, name)
		te.mutex.Unlock()
		return nil
	}

	tmpl, err := textTemplate.New(name).Funcs(textTemplate.FuncMap(funcs)).Parse(content)
	if err != nil {
		return NewTemplateError(name, "parse", "failed to parse text template", err)
	}
	te.mutex.Lock()
	te.textTemplates[name] = tmpl
	delete(te.htmlTemplates, name)
	te.mutex.Unlock()
	return nil
}

// LoadTemplatesFromDir registers every template file under dir. Path
// separators become dots and the extension is dropped except for .html:
// welcome.html, welcome.text.txt and welcome.subject.txt register
// "welcome.html", "welcome.text" and "welcome.subject".
func (te *templateEngine) LoadTemplatesFromDir(dir string) error {
	cleanDir := filepath.Clean(dir)

	return filepath.WalkDir(cleanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		cleanPath := filepath.Clean(path)
		if !isPathWithinDir(cleanPath, cleanDir) {
			return fmt.Errorf("security error: path traversal detected: %s", path)
		}

		ext := filepath.Ext(path)
		if !te.validExtension(ext) {
			return nil
		}

		content, err := os.ReadFile(cleanPath)
		if err != nil {
			return fmt.Errorf("failed to read template file %s: %w", cleanPath, err)
		}

		rel, err := filepath.Rel(cleanDir, cleanPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}

		name := strings.ReplaceAll(rel, string(filepath.Separator), ".")
		// .html stays in the name so the file is parsed as HTML
		if ext != ".html" {
			name = strings.TrimSuffix(name, ext)
		}

		if err := te.RegisterTemplate(name, string(content)); err != nil {
			return fmt.Errorf("failed to register template %s: %w", name, err)
		}
		return nil
	})
}

func (te *templateEngine) validExtension(ext string) bool {
	for _, e := range te.config.Extension {
		if ext == e {
			return true
		}
	}
	return false
}

func (te *templateEngine) funcs() map[string]any {
	titleCaser := cases.Title(language.English)
	funcs := map[string]any{
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"title":     titleCaser.String,
		"trim":      strings.TrimSpace,
		"join":      strings.Join,
		"split":     strings.Split,
		"replace":   strings.ReplaceAll,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"now":       time.Now,
		"formatTime": func(format string, t time.Time) string {
			return t.Format(format)
		},
		"default": func(defaultValue, value any) any {
			if value == nil || value == "" {
				return defaultValue
			}
			return value
		},
	}

	if te.config.AllowUnsafeFunctions {
		// SECURITY WARNING: bypasses auto-escaping, trusted content only
		funcs["unsafeHTML"] = func(s string) template.HTML {
			return template.HTML(s) // #nosec G203 -- opt-in only
		}
	}

	return funcs
}

// isPathWithinDir checks if a given path is within the specified directory to prevent path traversal attacks.
func isPathWithinDir(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
