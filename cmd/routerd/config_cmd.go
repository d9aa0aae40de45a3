package main

import (
	"fmt"

	"github.com/danmuck/routerd/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and validate routerd configuration files",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
		stdout bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				template, err := config.Template(kind)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), template)
				return nil
			}
			target := output
			if target == "" {
				target = kind + ".toml"
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", config.KindRouter, "config kind: router|client")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default <kind>.toml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the template instead of writing it")
	cmd.MarkFlagsMutuallyExclusive("stdout", "output")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a config file and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(args[0], kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", config.KindRouter, "config kind: router|client")
	return cmd
}
