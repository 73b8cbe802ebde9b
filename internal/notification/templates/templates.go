// Package templates renders notification bodies from embedded files.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"
)

//go:embed *.html
var files embed.FS

var (
	cache   = map[string]*template.Template{}
	cacheMu sync.Mutex
)

// Rendered is a message ready for a provider.
type Rendered struct {
	Subject string
	Body    string
}

func load(name string) (*template.Template, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if t, ok := cache[name]; ok {
		return t, nil
	}
	t, err := template.New(name).ParseFS(files, name+".html")
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	cache[name] = t
	return t, nil
}

// Email renders the subject and HTML body of a template.
func Email(name string, data map[string]any) (Rendered, error) {
	t, err := load(name)
	if err != nil {
		return Rendered{}, err
	}
	subject, err := execute(t, "subject", data)
	if err != nil {
		return Rendered{}, err
	}
	body, err := execute(t, "body", data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Body: body}, nil
}

// SMS renders the short text variant. Not every template defines one.
func SMS(name string, data map[string]any) (string, error) {
	t, err := load(name)
	if err != nil {
		return "", err
	}
	if t.Lookup("sms") == nil {
		return "", fmt.Errorf("template %s has no sms variant", name)
	}
	return execute(t, "sms", data)
}

func execute(t *template.Template, block string, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		return "", fmt.Errorf("render %s/%s: %w", t.Name(), block, err)
	}
	return buf.String(), nil
}
