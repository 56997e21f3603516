package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"codeagent/internal/assistant"
	"codeagent/internal/models"
	"codeagent/internal/prompt"
	"codeagent/internal/provider"
)

type chatOptions struct {
	provider    string
	model       string
	kind        string
	language    string
	file        string
	temperature float64
	maxTokens   int
	raw         bool
}

func newChatCommand() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Send one prompt and stream the reply",
		Long: `Send one prompt to the selected model and stream the reply.

Fragments are written to stderr as they arrive and the finished answer is
rendered as markdown on stdout. With --raw the fragments go to stdout and no
rendering happens. --provider and --model change the saved selection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.provider, "provider", "", "provider to use (gemini or openrouter)")
	flags.StringVar(&opts.model, "model", "", "model id to use")
	flags.StringVar(&opts.kind, "kind", "", "task kind: generate, improve, explain, debug, tests or docs")
	flags.StringVar(&opts.language, "language", "", "language the generated code should be written in")
	flags.StringVar(&opts.file, "file", "", "file whose content is sent as code context")
	flags.Float64Var(&opts.temperature, "temperature", 0, "sampling temperature, the task or provider default when unset")
	flags.IntVar(&opts.maxTokens, "max-tokens", 0, "maximum output tokens (0 uses the default)")
	flags.BoolVar(&opts.raw, "raw", false, "print the reply without markdown rendering")
	return cmd
}

func runChat(cmd *cobra.Command, args []string, opts chatOptions) error {
	ctx := cmd.Context()

	a, err := loadApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := applySelectionFlags(cmd, a, opts); err != nil {
		return err
	}

	code := ""
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return fmt.Errorf("read %s: %w", opts.file, err)
		}
		code = string(data)
	}

	task := strings.Join(args, " ")
	requestOpts := requestOptions(cmd, opts)

	text := task
	if opts.kind != "" || code != "" || opts.language != "" {
		text, requestOpts, err = assistant.Compose(prompt.Kind(opts.kind), prompt.Input{
			Task:         task,
			Code:         code,
			Instructions: task,
			Error:        task,
			Language:     opts.language,
		}, requestOpts)
		if err != nil {
			return err
		}
	}

	progress := cmd.ErrOrStderr()
	if opts.raw {
		progress = cmd.OutOrStdout()
	}

	conv := assistant.NewConversation()
	turn, err := a.assistant.Send(ctx, conv, text, requestOpts, func(d models.Delta) {
		_, _ = io.WriteString(progress, d.Fragment)
	})
	_, _ = io.WriteString(progress, "\n")
	if err != nil {
		return err
	}

	if opts.raw {
		return nil
	}
	_, err = io.WriteString(cmd.OutOrStdout(), renderMarkdown(turn.Content))
	return err
}

// requestOptions sends --temperature only when it was given, so 0 is honoured.
func requestOptions(cmd *cobra.Command, opts chatOptions) models.Options {
	out := models.Options{MaxOutputTokens: opts.maxTokens}
	if cmd.Flags().Changed("temperature") {
		out.Temperature = models.Float(opts.temperature)
	}
	return out
}

func applySelectionFlags(cmd *cobra.Command, a *app, opts chatOptions) error {
	if opts.provider == "" && opts.model == "" {
		return nil
	}
	ctx := cmd.Context()

	active := a.selection.Active()
	tag := active.Provider
	if opts.provider != "" {
		parsed, err := models.ParseProviderTag(opts.provider)
		if err != nil {
			return err
		}
		tag = parsed
	}

	model := opts.model
	if model == "" {
		catalog := a.selection.Models(tag)
		if len(catalog) == 0 {
			return fmt.Errorf("provider %s offers no models", tag)
		}
		model = catalog[0].ID
	} else if _, ok := provider.FindModel(a.selection.Models(tag), model); !ok {
		a.selection.RefreshModels(ctx)
	}

	return a.selection.SetSelection(ctx, model, tag)
}

func renderMarkdown(content string) string {
	rendered, err := glamour.Render(content, "dark")
	if err != nil {
		return content
	}
	return rendered
}
