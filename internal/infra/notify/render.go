// Package notify delivers overdue digests over email and Telegram.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"leadtracker/internal/domain/notify"
)

//go:embed templates/*
var templateFS embed.FS

const (
	subjectDigestFmt = "客户跟进超期提醒 - %d条线索需要跟进"
	timestampLayout  = "2006-01-02 15:04"
	noneText         = "无"
)

// Renderer turns a digest into subject, HTML and plain-text bodies.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// NewRenderer parses the embedded templates. Timestamps are printed in loc.
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.Local
	}
	funcs := map[string]any{
		"orNone": func(s string) string {
			if strings.TrimSpace(s) == "" {
				return noneText
			}
			return s
		},
		"stamp": func(t time.Time) string {
			if t.IsZero() {
				return noneText
			}
			return t.In(loc).Format(timestampLayout)
		},
	}

	html, err := htmltemplate.New("digest.html").Funcs(funcs).ParseFS(templateFS, "templates/digest.html")
	if err != nil {
		return nil, fmt.Errorf("parse html digest template: %w", err)
	}
	text, err := texttemplate.New("digest.txt").Funcs(funcs).ParseFS(templateFS, "templates/digest.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text digest template: %w", err)
	}
	return &Renderer{html: html, text: text}, nil
}

func (r *Renderer) Subject(d notify.Digest) string {
	return fmt.Sprintf(subjectDigestFmt, d.Total())
}

func (r *Renderer) HTML(d notify.Digest) (string, error) {
	var buf bytes.Buffer
	if err := r.html.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render html digest: %w", err)
	}
	return buf.String(), nil
}

func (r *Renderer) Text(d notify.Digest) (string, error) {
	var buf bytes.Buffer
	if err := r.text.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render text digest: %w", err)
	}
	return buf.String(), nil
}
