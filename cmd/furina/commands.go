package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/furina/internal/companion"
)

// askOptions are the flags of the ask subcommand.
type askOptions struct {
	companion   string
	system      string
	source      string
	maxTokens   int
	stream      bool
	personality bool
	noMemory    bool
}

func newAskCmd(g *globals) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a companion a single question",
		Long: "Ask boots every configured companion, sends one prompt and prints the reply.\n" +
			"Memories are recalled but the exchange is not recorded.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, g, opts, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.companion, "companion", "c", "", "companion name (required)")
	f.StringVar(&opts.system, "system", "", "additional system prompt")
	f.StringVar(&opts.source, "source", "cli", "front-end the prompt came from")
	f.IntVar(&opts.maxTokens, "max-tokens", 512, "maximum reply tokens")
	f.BoolVar(&opts.stream, "stream", true, "print tokens as they arrive")
	f.BoolVar(&opts.personality, "personality", true, "include the companion's personality prompt")
	f.BoolVar(&opts.noMemory, "no-memory", false, "skip memory lookup")
	_ = cmd.MarkFlagRequired("companion")
	return cmd
}

// runAsk handles "furina ask". Logs go to stderr so stdout carries only
// the reply.
func runAsk(cmd *cobra.Command, g *globals, opts *askOptions, prompt string) error {
	ctx := cmd.Context()
	stdout := cmd.OutOrStdout()

	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(cmd.ErrOrStderr(), cfg)

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	req := &companion.PromptRequest{
		CompanionName:     opts.companion,
		UserPrompt:        prompt,
		SystemPrompt:      opts.system,
		UsePersonality:    opts.personality,
		AllowMemoryLookup: !opts.noMemory,
		Source:            opts.source,
		MaxTokens:         opts.maxTokens,
		Stream:            opts.stream,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	c, err := a.companions.Find(req.CompanionName)
	if err != nil {
		return err
	}

	if g.output == "json" || !opts.stream {
		reply, err := c.Ask(ctx, req)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		if g.output == "json" {
			return writeJSONOut(stdout, map[string]string{"companion": c.Name(), "response": reply})
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	if _, err := c.AskStream(ctx, req, func(token string) {
		fmt.Fprint(stdout, token)
	}); err != nil {
		fmt.Fprintln(stdout)
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)
	return nil
}

func newMemoriesCmd(g *globals) *cobra.Command {
	var query, clearType string
	cmd := &cobra.Command{
		Use:   "memories <companion>",
		Short: "List or clear a companion's memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stdout := cmd.OutOrStdout()

			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, configuredLogger(cmd.ErrOrStderr(), cfg), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.companions.Find(args[0])
			if err != nil {
				return err
			}

			if clearType != "" {
				n, err := c.ClearMemories(ctx, clearType)
				if err != nil {
					return err
				}
				if g.output == "json" {
					return writeJSONOut(stdout, map[string]any{"companion": c.Name(), "deleted": n})
				}
				fmt.Fprintf(stdout, "Deleted %d %s memories from %s\n", n, clearType, c.Name())
				return nil
			}

			mems, err := c.Memories(ctx, query)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return writeJSONOut(stdout, mems)
			}
			for _, m := range mems {
				dist := ""
				if m.Distance != nil {
					dist = fmt.Sprintf(" (%.3f)", *m.Distance)
				}
				fmt.Fprintf(stdout, "%s [%s]%s %s\n", m.ID, m.Metadata["type"], dist, m.Document)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "rank memories by similarity to this text")
	cmd.Flags().StringVar(&clearType, "clear", "", "delete every memory of this type instead of listing")
	return cmd
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
