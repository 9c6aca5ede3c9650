package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bugvault/bugvault/config"
	"github.com/bugvault/bugvault/service"
)

func newRootCmd(svc *service.Service, cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "bugvault",
		Short: "Bug-evidence synchronization between object-store stages and local storage",
		Long: `bugvault tracks bug-evidence folders across object-store workflow stages.
It mirrors in-flight folders to local storage under a download ledger,
moves folders between stages, and copies downloaded batches out with a
dated history. Configuration comes from a .env file or the environment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStatesCmd(svc),
		newPendingCmd(svc),
		newDownloadCmd(svc, cfg),
		newBatchesCmd(svc, cfg),
		newItemsCmd(svc),
		newAllowCmd(svc),
		newMoveCmd(svc),
		newDeleteCmd(svc),
		newCopyCmd(svc),
		newOpenCmd(svc),
	)

	return root
}

// printResult writes the operation envelope as indented JSON and maps a
// failed envelope to a non-zero exit.
func printResult[T any](res service.Result[T]) error {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	return nil
}

func newStatesCmd(svc *service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "Resolve the current state of every tracked bug folder per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printResult(svc.ResolveWorkflowStates(cmd.Context()))
		},
	}
}

func newPendingCmd(svc *service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List in-flight bug folders of the download-eligible stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printResult(svc.ResolveDownloadEligible(cmd.Context()))
		},
	}
}

func newDownloadCmd(svc *service.Service, cfg *config.Config) *cobra.Command {
	var stages []string
	var dest string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Mirror in-flight bug folders of the selected stages to local storage",
		Example: `  bugvault download --stage 02 --dest /data/bugs
  bugvault download --stage 02 --stage 03 --dest /data/bugs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printResult(svc.Download(cmd.Context(), stages, dest, cfg.Actor))
		},
	}

	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Stage code to download (repeatable)")
	cmd.Flags().StringVar(&dest, "dest", "", "Existing local destination root")
	cmd.MarkFlagRequired("stage")
	cmd.MarkFlagRequired("dest")

	return cmd
}

func newBatchesCmd(svc *service.Service, cfg *config.Config) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List download batches that still have local work attached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if actor == "" {
				actor = cfg.Actor
			}
			return printResult(svc.ListBatches(cmd.Context(), actor))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "List another actor's batches")

	return cmd
}

func newItemsCmd(svc *service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "items <batch-id>",
		Short: "List the not-yet-copied items of one download batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q", args[0])
			}
			return printResult(svc.ListBatchItems(cmd.Context(), batchID))
		},
	}
}

func newAllowCmd(svc *service.Service) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Check download and removal predicates for bug folders",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "download <bug-no>...",
			Short: "Report whether the bug folders may be downloaded again",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printResult(svc.AllowDownload(cmd.Context(), args))
			},
		},
		&cobra.Command{
			Use:   "remove <bug-no>...",
			Short: "Report whether the bug folders may be removed from their stage",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printResult(svc.AllowRemove(cmd.Context(), args))
			},
		},
	)

	return cmd
}

func newMoveCmd(svc *service.Service) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:     "move <bug-no>...",
		Short:   "Move bug folders from one stage prefix to another",
		Example: `  bugvault move --from 02 --to 02_done BUG-1 BUG-2`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(svc.Move(cmd.Context(), from, to, args))
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Source stage prefix")
	cmd.Flags().StringVar(&to, "to", "", "Destination stage prefix")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func newDeleteCmd(svc *service.Service) *cobra.Command {
	var from string
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <bug-no>...",
		Short: "Delete bug folders from a stage prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Printf("Delete %s from %s? (y/N): ", strings.Join(args, ", "), from)
				var response string
				fmt.Scanln(&response)
				if r := strings.ToLower(response); r != "y" && r != "yes" {
					fmt.Println("Delete cancelled.")
					return nil
				}
			}
			return printResult(svc.Delete(cmd.Context(), from, args))
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Stage prefix to delete from")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip confirmation prompt")
	cmd.MarkFlagRequired("from")

	return cmd
}

func newCopyCmd(svc *service.Service) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "copy <batch-id>",
		Short: "Copy a batch's pending items to a destination with a dated history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q", args[0])
			}
			return printResult(svc.CopyBatchItems(cmd.Context(), batchID, dest))
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "Existing destination root")
	cmd.MarkFlagRequired("dest")

	return cmd
}

func newOpenCmd(svc *service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Open a local path in the platform file browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(svc.OpenLocalPath(cmd.Context(), args[0]))
		},
	}
}
