package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iyulab/system-vigil/internal/broker"
	"github.com/iyulab/system-vigil/internal/correlation"
	"github.com/iyulab/system-vigil/internal/event"
	"github.com/iyulab/system-vigil/internal/journal"
	"github.com/iyulab/system-vigil/internal/pipeline"
	"github.com/iyulab/system-vigil/internal/platform"
)

func newEmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send one event to the broker's ingress socket",
		Example: `  vigil emit --type ssh --severity warning --source sshd \
    --message "Failed password for root" --context user=root --context ip=10.0.0.9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")
			sev, _ := cmd.Flags().GetString("severity")
			source, _ := cmd.Flags().GetString("source")
			message, _ := cmd.Flags().GetString("message")
			kv, _ := cmd.Flags().GetStringToString("context")

			ev, err := buildEvent(typ, sev, source, message, kv, time.Now())
			if err != nil {
				return err
			}
			client := broker.NewIngressClient(cfg.Broker.Socket, cfg.Broker.IngressTimeout)
			defer client.Close()
			ack, err := client.Send(cmd.Context(), ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %s (seq %d)\n", ack.EventID, ack.Seq)
			return nil
		},
	}
	cmd.Flags().String("type", "", "event type ("+typeList()+")")
	cmd.Flags().String("severity", string(event.SeverityInfo), "info, warning or critical")
	cmd.Flags().String("source", "cli", "producer name")
	cmd.Flags().String("message", "", "human-readable message")
	cmd.Flags().StringToString("context", nil, "context key=value pairs")
	cmd.MarkFlagRequired("type")    //nolint:errcheck
	cmd.MarkFlagRequired("message") //nolint:errcheck
	return cmd
}

func typeList() string {
	s := ""
	for i, t := range event.Types {
		if i > 0 {
			s += ", "
		}
		s += string(t)
	}
	return s
}

// buildEvent validates CLI input into a complete event.
func buildEvent(typ, sev, source, message string, kv map[string]string, now time.Time) (event.Event, error) {
	ctx := make(map[string]any, len(kv))
	for k, v := range kv {
		ctx[k] = v
	}
	ev := event.Event{
		ID:        event.NewID(),
		Timestamp: now.UTC().Truncate(time.Millisecond),
		Type:      event.Type(typ),
		Severity:  event.Severity(sev),
		Source:    source,
		Message:   message,
		Context:   ctx,
	}
	if err := event.Validate(ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the broker's stream as JSON lines (cache replay, then live)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("remote")
			if addr == "" {
				addr = cfg.Broker.Listen
			}
			typ, _ := cmd.Flags().GetString("type")

			ctx := cmd.Context()
			client, err := broker.DialStream(ctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				ev, err := client.Next(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
						return nil
					}
					return err
				}
				if typ != "" && string(ev.Type) != typ {
					continue
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().String("remote", "", "broker egress address (default: broker.listen)")
	cmd.Flags().String("type", "", "only print events of this type")
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journaled events to stdout or back into the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			since, _ := cmd.Flags().GetDuration("since")
			publish, _ := cmd.Flags().GetBool("publish")

			j, err := journal.Open(cfg.Journal.Dir, logger)
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}

			ctx := cmd.Context()
			var fn func(event.Event) error
			if publish {
				client := broker.NewIngressClient(cfg.Broker.Socket, cfg.Broker.IngressTimeout)
				defer client.Close()
				fn = func(ev event.Event) error {
					_, err := client.Send(ctx, ev)
					return err
				}
			} else {
				enc := json.NewEncoder(cmd.OutOrStdout())
				fn = func(ev event.Event) error { return enc.Encode(ev) }
			}

			stats, err := j.Replay(ctx, from, fn)
			fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d events, skipped %d files\n", stats.Replayed, stats.Skipped)
			return err
		},
	}
	cmd.Flags().Duration("since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().Bool("publish", false, "send events to the broker instead of printing them")
	return cmd
}

func newRulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect correlation rules",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "check [dir]",
		Short: "Load and validate the configured rules, or the rules in dir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			var loaded []*correlation.Rule
			var problems []error
			if len(args) == 1 {
				loaded, problems = correlation.LoadRules(logger, os.DirFS(args[0]))
			} else {
				loaded, problems = pipeline.LoadRules(cfg.Correlation, logger)
			}
			printRules(cmd.OutOrStdout(), loaded, problems)
			if len(problems) > 0 {
				return fmt.Errorf("%d invalid rule(s)", len(problems))
			}
			return nil
		},
	})
	return rules
}

func printRules(w io.Writer, rules []*correlation.Rule, problems []error) {
	for _, r := range rules {
		measure := "events"
		if r.WeightField != "" {
			measure = r.WeightField
		}
		fmt.Fprintf(w, "  ok   %-28s %-9s %g %s / %s  (%s)\n",
			r.Name, r.Severity, r.Threshold, measure, r.Window, r.File)
	}
	for _, p := range problems {
		fmt.Fprintf(w, "  FAIL %v\n", p)
	}
	fmt.Fprintf(w, "%d loaded, %d invalid\n", len(rules), len(problems))
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <out.zip>",
		Short: "Package the journal and its hash manifest into a ZIP archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			j, err := journal.Open(cfg.Journal.Dir, logger)
			if err != nil {
				return err
			}
			hostname, _ := os.Hostname()
			if err := j.SaveManifest(hostname); err != nil {
				return err
			}
			if err := j.Export(args[0], hostname, platform.DetectOS(), version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", j.Dir(), args[0])
			return nil
		},
	}
}
