package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devmgmt/swagent"
	"github.com/devmgmt/swagent/internal/config"
)

// printPublisher writes outbound SmartREST lines instead of sending them.
type printPublisher struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printPublisher) Publish(_ context.Context, msg swagent.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	topic := msg.Topic
	if topic == "" {
		topic = swagent.TopicUpstream
	}
	_, err := fmt.Fprintf(p.out, "%s %s\n", topic, msg.Encode())
	return err
}

// joinLines turns repeated --line values (and literal \n escapes) into one
// downstream payload.
func joinLines(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.ReplaceAll(line, `\n`, "\n")
		if strings.TrimSpace(line) != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "\n")
}

func newApplyCmd() *cobra.Command {
	var flagLines []string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Process one SmartREST operation locally and print the outbound messages",
		Example: `  swagent apply --line '528,dev1,curl,7.81.0,,install'
  swagent apply --line '516,dev1,hello,2.10,'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := joinLines(append(flagLines, args...))
			if payload == "" {
				return errors.New("--line must be provided")
			}
			in, err := swagent.ParseInbound(swagent.TopicDownstream, []byte(payload))
			if err != nil {
				return err
			}

			opts := runtimeOptions{Publisher: &printPublisher{out: cmd.OutOrStdout()}}
			if jwt := config.String("SWAGENT_PLATFORM_TOKEN", ""); jwt != "" {
				opts.Token = swagent.NewToken()
				opts.Token.Set(jwt)
			} else if cfg.Platform.User != "" {
				opts.TokenWaiter = credentialsReady{}
			}
			rt, err := newRuntime(cfg, opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !rt.dispatcher.Handles(in) {
				return errors.Errorf("template %s is not a software operation", in.TemplateID)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout())
			defer cancel()
			rec := rt.dispatcher.Handle(ctx, in)
			log.Info().
				Str("operation_id", rec.ID).
				Str("status", rec.Status).
				Dur("elapsed", rec.Elapsed()).
				Msg("operation processed")
			if rec.Status != swagent.OutcomeSuccess {
				fmt.Fprintln(cmd.ErrOrStderr(), rec.ErrorText)
				return errors.Errorf("operation %s", rec.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flagLines, "line", nil, "SmartREST line; repeat for multi-record payloads")
	return cmd
}
