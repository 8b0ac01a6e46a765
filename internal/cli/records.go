package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"appdeploy/internal/shared/infra"
	"appdeploy/internal/shared/model"
)

func newListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployment checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			store, err := infra.NewStore(e.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListDeployments(cmd.Context())
			if err != nil {
				return err
			}
			renderRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
}

func renderRecords(w io.Writer, records []*model.DeploymentRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no deployments")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("HOST", "STAGE", "DOMAIN", "ADMIN DOMAIN", "UPDATED")
	for _, r := range records {
		stage := fmt.Sprintf("%d/%d", r.Stage, model.TotalStages)
		if r.Completed() {
			stage += " done"
		}
		t.Row(r.Host, stage, r.MainDomain, r.AdminDomain, r.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, t.String())
}

func newShowCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <host>",
		Short: "Show the checkpoint recorded for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			store, err := infra.NewStore(e.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no deployment recorded for %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newTranscriptCommand(opts *Options) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "transcript <host>",
		Short: "List or print archived run transcripts for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			archive, err := infra.NewArchive(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			if archive == nil {
				return fmt.Errorf("transcript archive not configured (set MINIO_ENDPOINT)")
			}

			if key == "" {
				keys, err := archive.ListTranscripts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d transcript(s)\n", len(keys))
				return nil
			}

			rc, err := archive.Download(cmd.Context(), key)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Object key to print (default: list keys)")
	return cmd
}
