// Package template renders structured inference inputs into the plain-text
// messages providers consume. Variants declare per-role templates; inputs
// carrying structured arguments are rendered through them, plain text passes
// straight through.
package template

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/goccy/go-json"

	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
)

// Spec holds the raw template sources of one variant. Empty strings mean
// the role has no template and only accepts plain-text input.
type Spec struct {
	System    string `yaml:"system_template,omitempty" json:"system_template,omitempty"`
	User      string `yaml:"user_template,omitempty" json:"user_template,omitempty"`
	Assistant string `yaml:"assistant_template,omitempty" json:"assistant_template,omitempty"`
}

// Renderer is a compiled Spec bound to the variant that owns it. Compile
// once at config load; Render methods are safe for concurrent use.
type Renderer struct {
	variant   string
	system    *template.Template
	user      *template.Template
	assistant *template.Template
}

// Compile parses every template in the spec. A syntax error surfaces here,
// at config load, rather than per request.
func Compile(variant string, spec Spec) (*Renderer, error) {
	r := &Renderer{variant: variant}
	var err error
	if r.system, err = parse("system", spec.System); err != nil {
		return nil, fmt.Errorf("variant %q: %w", variant, err)
	}
	if r.user, err = parse("user", spec.User); err != nil {
		return nil, fmt.Errorf("variant %q: %w", variant, err)
	}
	if r.assistant, err = parse("assistant", spec.Assistant); err != nil {
		return nil, fmt.Errorf("variant %q: %w", variant, err)
	}
	return r, nil
}

func parse(name, source string) (*template.Template, error) {
	if source == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return tmpl, nil
}

// RenderSystem produces the system prompt. A structured system input needs
// a system template; a plain-text system input passes through unless a
// template exists, in which case the text is exposed as {{.text}}.
func (r *Renderer) RenderSystem(input types.Input) (string, error) {
	if len(input.System) == 0 {
		if r.system != nil {
			return r.execute(r.system, map[string]any{})
		}
		return "", nil
	}

	if text, ok := input.SystemText(); ok {
		if r.system == nil {
			return text, nil
		}
		return r.execute(r.system, map[string]any{"text": text})
	}

	if r.system == nil {
		return "", r.renderErr(fmt.Errorf("structured system input requires a system template"))
	}
	ctx, err := r.decodeArguments(input.System)
	if err != nil {
		return "", err
	}
	return r.execute(r.system, ctx)
}

// RenderMessages flattens every input message to plain text. Text and raw
// text blocks concatenate verbatim; argument blocks render through the
// role's template. Thought blocks never reach providers.
func (r *Renderer) RenderMessages(messages []types.Message) ([]types.RenderedMessage, error) {
	out := make([]types.RenderedMessage, 0, len(messages))
	for i, msg := range messages {
		tmpl := r.roleTemplate(msg.Role)
		var sb strings.Builder
		for _, block := range msg.Content {
			switch block.Type {
			case types.BlockText:
				if block.Arguments != nil {
					if tmpl == nil {
						return nil, r.renderErr(fmt.Errorf("message %d: %s arguments require a %s template", i, msg.Role, msg.Role))
					}
					ctx, err := r.decodeArguments(block.Arguments)
					if err != nil {
						return nil, err
					}
					rendered, err := r.execute(tmpl, ctx)
					if err != nil {
						return nil, err
					}
					sb.WriteString(rendered)
					continue
				}
				sb.WriteString(block.Text)
			case types.BlockRawText:
				sb.WriteString(block.Text)
			case types.BlockThought:
				// Internal reasoning, not forwarded.
			}
		}
		out = append(out, types.RenderedMessage{Role: msg.Role, Text: sb.String()})
	}
	return out, nil
}

func (r *Renderer) roleTemplate(role types.Role) *template.Template {
	switch role {
	case types.RoleUser:
		return r.user
	case types.RoleAssistant:
		return r.assistant
	default:
		return nil
	}
}

func (r *Renderer) execute(tmpl *template.Template, ctx map[string]any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", r.renderErr(fmt.Errorf("execute %s template: %w", tmpl.Name(), err))
	}
	return sb.String(), nil
}

func (r *Renderer) decodeArguments(raw json.RawMessage) (map[string]any, error) {
	var ctx map[string]any
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, r.renderErr(fmt.Errorf("decode template arguments: %w", err))
	}
	return ctx, nil
}

func (r *Renderer) renderErr(err error) error {
	return inferrors.NewTemplateRender(r.variant, err)
}
