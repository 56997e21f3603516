// Package assistant drives conversations against the currently selected
// provider and applies generated code to project trees.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"codeagent/internal/codeblock"
	"codeagent/internal/models"
	"codeagent/internal/project"
	"codeagent/internal/prompt"
	"codeagent/internal/provider"
	"codeagent/internal/selection"
)

// ErrEmptyPrompt is returned when a request carries no prompt text.
var ErrEmptyPrompt = errors.New("prompt must not be empty")

// Assistant dispatches requests to the provider chosen in the selection store.
type Assistant struct {
	registry  *provider.Registry
	selection *selection.Store
	workspace *project.Workspace
	defaults  models.Options
	logger    zerolog.Logger
}

// New constructs an assistant. defaults fill options a caller leaves zero.
func New(registry *provider.Registry, store *selection.Store, workspace *project.Workspace, defaults models.Options, logger zerolog.Logger) *Assistant {
	return &Assistant{
		registry:  registry,
		selection: store,
		workspace: workspace,
		defaults:  defaults,
		logger:    logger.With().Str("component", "assistant").Logger(),
	}
}

// Selection exposes the store the assistant reads its active provider from.
func (a *Assistant) Selection() *selection.Store {
	return a.selection
}

// Workspace exposes the project workspace code is applied to.
func (a *Assistant) Workspace() *project.Workspace {
	return a.workspace
}

// Send appends the user's prompt and a pending assistant turn to conv, then
// streams the reply into that turn. onDelta may be nil. On failure the
// assistant turn keeps the partial text, is marked failed, and is returned
// with the error.
func (a *Assistant) Send(ctx context.Context, conv *Conversation, text string, opts models.Options, onDelta models.DeltaFunc) (models.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return models.Turn{}, ErrEmptyPrompt
	}
	active, p, err := a.resolve()
	if err != nil {
		return models.Turn{}, err
	}

	conv.append(models.RoleUser, text, false)
	idx := conv.append(models.RoleAssistant, "", true)

	log := a.logger.With().
		Str("conversation", conv.ID).
		Str("provider", string(active.Provider)).
		Str("model", active.Model).
		Logger()
	log.Debug().Int("prompt_len", len(text)).Msg("streaming reply")

	reply, err := p.StreamCompletion(ctx, active.Model, active.Credential, text, opts.WithDefaults(a.defaults), func(d models.Delta) {
		conv.replace(idx, d.Text)
		if onDelta != nil {
			onDelta(d)
		}
	})
	if err != nil {
		turn := conv.finish(idx, reply, true)
		log.Warn().Err(err).Int("partial_len", len(reply)).Msg("stream failed")
		return turn, fmt.Errorf("provider %s stream: %w", active.Provider, err)
	}

	turn := conv.finish(idx, reply, false)
	log.Debug().Int("reply_len", len(reply)).Msg("reply complete")
	return turn, nil
}

// Complete issues a one-shot, non-streaming request with the active selection.
func (a *Assistant) Complete(ctx context.Context, text string, opts models.Options) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyPrompt
	}
	active, p, err := a.resolve()
	if err != nil {
		return "", err
	}

	reply, err := p.Completion(ctx, active.Model, active.Credential, text, opts.WithDefaults(a.defaults))
	if err != nil {
		return "", fmt.Errorf("provider %s completion: %w", active.Provider, err)
	}
	return reply, nil
}

// Compose turns a task kind and its inputs into prompt text. The kind's
// temperature is used when opts leaves it unset.
func Compose(kind prompt.Kind, in prompt.Input, opts models.Options) (string, models.Options, error) {
	p, err := prompt.Build(kind, in)
	if err != nil {
		return "", opts, err
	}
	if opts.Temperature == nil {
		opts.Temperature = models.Float(p.Temperature)
	}
	return p.Text, opts, nil
}

// ApplyCode extracts the code from reply and writes it to path in the named
// project, creating the file or replacing its content. An empty project name
// targets the active project.
func (a *Assistant) ApplyCode(projectName, path, reply string) (project.Tree, error) {
	if projectName == "" {
		active, ok := a.workspace.Active()
		if !ok {
			return project.Tree{}, project.ErrProjectNotFound
		}
		projectName = active
	}

	code := codeblock.Extract(reply)
	_, name := project.SplitPath(path)

	language := ""
	if project.DetectLanguage(name) == "text" {
		language = codeblock.Language(reply)
	}

	tree, err := a.workspace.WriteFile(projectName, path, code, language)
	if err != nil {
		return project.Tree{}, err
	}
	a.logger.Info().Str("project", projectName).Str("path", path).Int("bytes", len(code)).Msg("applied generated code")
	return tree, nil
}

// resolve checks the active selection is usable before any network call.
func (a *Assistant) resolve() (selection.Active, provider.Provider, error) {
	active := a.selection.Active()
	if active.Credential == "" {
		return active, nil, &provider.AuthError{Provider: active.Provider}
	}
	p, err := a.registry.Lookup(active.Provider)
	if err != nil {
		return active, nil, err
	}
	return active, p, nil
}
