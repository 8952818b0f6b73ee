// Package template implements the rendering side of the routing.Resolver
// contract on top of text/template. Templates are registered per
// (templateKey, channel, locale) triple and rendered with the request
// payload as data.
package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/notifyops/notify-core/internal/domain"
	"github.com/notifyops/notify-core/internal/routing"
)

type entry struct {
	subject       *template.Template
	body          *template.Template
	variablesUsed []string
}

// Catalog is an in-memory template store. Registration happens at startup;
// Render is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Definition declares one template variant for registration.
type Definition struct {
	TemplateKey string
	Channel     domain.Channel
	Locale      string
	Subject     string
	Body        string
}

// Register parses and stores a template variant. Missing payload variables
// fail at render time, not here.
func (c *Catalog) Register(def Definition) error {
	templateKey := strings.TrimSpace(def.TemplateKey)
	if templateKey == "" {
		return fmt.Errorf("%w: templateKey is required", domain.ErrValidation)
	}
	if strings.TrimSpace(def.Body) == "" {
		return fmt.Errorf("%w: template body is required", domain.ErrValidation)
	}
	locale := normalizeLocale(def.Locale)
	if locale == "" {
		return fmt.Errorf("%w: locale is required", domain.ErrValidation)
	}

	name := entryKey(templateKey, def.Channel, locale)

	bodyTmpl, err := template.New(name + "#body").Option("missingkey=error").Parse(def.Body)
	if err != nil {
		return fmt.Errorf("%w: parse body of %s: %v", domain.ErrValidation, name, err)
	}

	var subjectTmpl *template.Template
	if strings.TrimSpace(def.Subject) != "" {
		subjectTmpl, err = template.New(name + "#subject").Option("missingkey=error").Parse(def.Subject)
		if err != nil {
			return fmt.Errorf("%w: parse subject of %s: %v", domain.ErrValidation, name, err)
		}
	}

	variables := collectVariables(bodyTmpl)
	if subjectTmpl != nil {
		variables = append(variables, collectVariables(subjectTmpl)...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = entry{
		subject:       subjectTmpl,
		body:          bodyTmpl,
		variablesUsed: dedupeSorted(variables),
	}
	return nil
}

// Render satisfies routing.Resolver. The locale must match exactly; locale
// fallback is the router's job.
func (c *Catalog) Render(_ context.Context, templateKey string, channel domain.Channel, locale string, data map[string]any) (*routing.RenderedMessage, error) {
	name := entryKey(strings.TrimSpace(templateKey), channel, normalizeLocale(locale))

	c.mu.RLock()
	found, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}

	if data == nil {
		data = map[string]any{}
	}

	var bodyBuilder strings.Builder
	if err := found.body.Execute(&bodyBuilder, data); err != nil {
		return nil, fmt.Errorf("%w: execute %s: %v", domain.ErrRenderError, name, err)
	}

	rendered := &routing.RenderedMessage{
		Body:          bodyBuilder.String(),
		VariablesUsed: found.variablesUsed,
	}

	if found.subject != nil {
		var subjectBuilder strings.Builder
		if err := found.subject.Execute(&subjectBuilder, data); err != nil {
			return nil, fmt.Errorf("%w: execute %s: %v", domain.ErrRenderError, name, err)
		}
		rendered.Subject = subjectBuilder.String()
	}

	return rendered, nil
}

// Variants lists the registered (templateKey, channel, locale) names, for
// health and admin reporting.
func (c *Catalog) Variants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func entryKey(templateKey string, channel domain.Channel, locale string) string {
	return fmt.Sprintf("%s|%s|%s", templateKey, strings.ToLower(channel.String()), locale)
}

func normalizeLocale(locale string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(locale)), "_", "-")
}

// collectVariables walks the parse tree and records top-level field
// references like {{.userName}}.
func collectVariables(tmpl *template.Template) []string {
	if tmpl == nil || tmpl.Tree == nil || tmpl.Tree.Root == nil {
		return nil
	}

	var variables []string
	var walk func(node parse.Node)
	walk = func(node parse.Node) {
		switch n := node.(type) {
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, child := range n.Nodes {
				walk(child)
			}
		case *parse.ActionNode:
			for _, cmd := range n.Pipe.Cmds {
				for _, arg := range cmd.Args {
					if field, ok := arg.(*parse.FieldNode); ok && len(field.Ident) > 0 {
						variables = append(variables, field.Ident[0])
					}
				}
			}
		case *parse.IfNode:
			walkBranch(&n.BranchNode, walk, &variables)
		case *parse.RangeNode:
			walkBranch(&n.BranchNode, walk, &variables)
		case *parse.WithNode:
			walkBranch(&n.BranchNode, walk, &variables)
		}
	}
	walk(tmpl.Tree.Root)
	return variables
}

func walkBranch(branch *parse.BranchNode, walk func(parse.Node), variables *[]string) {
	for _, cmd := range branch.Pipe.Cmds {
		for _, arg := range cmd.Args {
			if field, ok := arg.(*parse.FieldNode); ok && len(field.Ident) > 0 {
				*variables = append(*variables, field.Ident[0])
			}
		}
	}
	if branch.List != nil {
		walk(branch.List)
	}
	if branch.ElseList != nil {
		walk(branch.ElseList)
	}
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
