// Package render personalizes campaign subjects and bodies with Liquid
// templates.
package render

import (
	"fmt"
	"strings"

	"github.com/osteele/liquid"

	"mailsched/internal/domain"
)

type Engine struct {
	engine *liquid.Engine
}

func NewEngine() *Engine {
	return &Engine{engine: liquid.NewEngine()}
}

// Template is a parsed subject/body pair, compiled once per campaign.
type Template struct {
	subject *liquid.Template
	body    *liquid.Template
}

// Compile parses both templates. Syntax errors are configuration errors.
func (e *Engine) Compile(subject, body string) (*Template, error) {
	s, err := e.engine.ParseString(subject)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "subject", Detail: "subject template: " + err.Error(), Err: err}
	}
	b, err := e.engine.ParseString(body)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "body", Detail: "body template: " + err.Error(), Err: err}
	}
	return &Template{subject: s, body: b}, nil
}

// Recipient is what a template can reference.
type Recipient struct {
	Email string
	Name  string
	Extra map[string]string
}

// Bindings exposes name (the email's local part when no name is known),
// first_name, email, and every extra column under a snake_case key.
func Bindings(r Recipient) liquid.Bindings {
	b := liquid.Bindings{}
	for k, v := range r.Extra {
		if key := BindingKey(k); key != "" {
			b[key] = v
		}
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name, _, _ = strings.Cut(r.Email, "@")
	}
	b["name"] = name
	b["first_name"] = name
	if f := strings.Fields(name); len(f) > 1 {
		b["first_name"] = f[0]
	}
	b["email"] = r.Email
	return b
}

// BindingKey maps a column header to its template variable, e.g.
// "Company Name" -> "company_name".
func BindingKey(header string) string {
	var sb strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}

func (t *Template) Render(r Recipient) (subject, body string, err error) {
	b := Bindings(r)
	subject, serr := t.subject.RenderString(b)
	if serr != nil {
		return "", "", fmt.Errorf("render subject: %w", serr)
	}
	body, berr := t.body.RenderString(b)
	if berr != nil {
		return "", "", fmt.Errorf("render body: %w", berr)
	}
	return subject, body, nil
}
