package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/ktime/internal/env"
	"github.com/codex-k8s/ktime/internal/manifest"
)

// newRunCommand creates the "run" subcommand that applies a manifest and times the resulting pod.
func newRunCommand(opts *Options) *cobra.Command {
	var loadOpts manifest.LoadOptions

	cmd := &cobra.Command{
		Use:     "run <manifest>",
		Aliases: []string{"apply"},
		Short:   "Server-side apply a manifest, then collect startup durations if it is a pod",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := LoggerFromContext(cmd.Context())

			vars, err := parseInlineVarsAndFiles(cmd)
			if err != nil {
				return err
			}
			loadOpts.Vars = vars

			if cmd.Flags().Changed("field-manager") {
				fm, _ := cmd.Flags().GetString("field-manager")
				if strings.TrimSpace(fm) == "" {
					return errors.New("--field-manager must not be empty")
				}
				opts.Config.FieldManager = fm
			}

			eng, err := newEngine(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}

			result, err := eng.Run(cmd.Context(), args[0], loadOpts)
			if err != nil {
				return err
			}
			if result.Report == nil {
				return nil
			}
			return result.Report.Write(cmd.OutOrStdout(), opts.Config.Output)
		},
	}

	cmd.Flags().String("field-manager", "", "Field manager for server-side apply (default from config, \"ktime\")")
	cmd.Flags().BoolVar(&loadOpts.Template, "template", false, "Render the manifest as a Go template before parsing")
	cmd.Flags().String("vars", "", "Template variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to a YAML or dotenv file with template variables")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "Apply only, skip waiting for a pod to start")

	return cmd
}

// parseInlineVarsAndFiles merges --var-file and --vars, inline values winning.
func parseInlineVarsAndFiles(cmd *cobra.Command) (env.Vars, error) {
	inlineVars, err := env.ParseInlineVars(cmd.Flag("vars").Value.String())
	if err != nil {
		return nil, err
	}

	fileVars := env.Vars{}
	if varFile := cmd.Flag("var-file").Value.String(); varFile != "" {
		fileVars, err = env.LoadVarFile(varFile)
		if err != nil {
			return nil, err
		}
	}
	return env.Merge(fileVars, inlineVars), nil
}
