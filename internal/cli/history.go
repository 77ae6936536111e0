package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"shopassist/internal/history"
	"shopassist/internal/storage"
)

func newHistoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or reset the persisted conversation",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved conversation",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStorage(func(kv storage.KV) error {
					msgs, err := history.NewAdapter(kv, a.cfg.Storage.HistoryKey, a.log).Load(cmd.Context())
					if err != nil {
						return err
					}
					if len(msgs) == 0 {
						fmt.Fprintln(a.out, "no saved conversation")
						return nil
					}
					for _, m := range msgs {
						fmt.Fprintln(a.out, renderMessage(m))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "inputs",
			Short: "Print the recent input log, oldest first",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStorage(func(kv storage.KV) error {
					inputs, err := history.OpenInputLog(cmd.Context(), kv, a.cfg.Storage.InputsKey, a.log)
					if err != nil {
						return err
					}
					for i, e := range inputs.Entries() {
						fmt.Fprintf(a.out, "%3d  %s\n", i+1, e)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the saved conversation and input log",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStorage(func(kv storage.KV) error {
					ctx := cmd.Context()
					if err := history.NewAdapter(kv, a.cfg.Storage.HistoryKey, a.log).Clear(ctx); err != nil {
						return err
					}
					inputs, err := history.OpenInputLog(ctx, kv, a.cfg.Storage.InputsKey, a.log)
					if err != nil {
						return err
					}
					if err := inputs.Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintln(a.out, "history cleared")
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withStorage(fn func(storage.KV) error) error {
	backend, err := storage.Open(a.cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()
	return fn(backend)
}
