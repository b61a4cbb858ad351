package cli

import (
	"github.com/spf13/cobra"
)

// newCollectCommand creates the "collect" subcommand that times an existing pod.
func newCollectCommand(opts *Options) *cobra.Command {
	var podName string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect startup milestone durations for an existing pod",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			eng, err := newEngine(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}

			report, err := eng.Collect(cmd.Context(), opts.Config.Namespace, podName)
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), opts.Config.Output)
		},
	}

	cmd.Flags().StringVarP(&podName, "pod", "p", "", "Name of the pod")
	_ = cmd.MarkFlagRequired("pod")

	return cmd
}
