package main

import (
	"github.com/spf13/cobra"

	"github.com/jward/xrefdb"
)

var fragmentCmd = &cobra.Command{
	Use:   "fragment",
	Short: "Manage read-only dependency fragments",
	Long:  "A fragment is an index built elsewhere, for example for a library, attached read-only so references into it resolve.",
}

var fragmentAttachCmd = &cobra.Command{
	Use:   "attach <id> <path>",
	Short: "Attach a fragment file under id",
	Args:  cobra.ExactArgs(2),
	RunE:  runFragmentAttach,
}

var fragmentDetachCmd = &cobra.Command{
	Use:   "detach <id>",
	Short: "Detach a fragment",
	Args:  cobra.ExactArgs(1),
	RunE:  runFragmentDetach,
}

var fragmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached fragments",
	Args:  cobra.NoArgs,
	RunE:  runFragmentList,
}

func init() {
	fragmentCmd.AddCommand(fragmentAttachCmd)
	fragmentCmd.AddCommand(fragmentDetachCmd)
	fragmentCmd.AddCommand(fragmentListCmd)
}

func runFragmentAttach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, err := resolveFilePath(args[1])
	if err != nil {
		return outputError("fragment attach", err)
	}
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("fragment attach", err)
	}
	defer p.Close()

	if err := p.engine.Attach(ctx, args[0], path); err != nil {
		return outputError("fragment attach", err)
	}
	return outputFragments("fragment attach", p)
}

func runFragmentDetach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("fragment detach", err)
	}
	defer p.Close()

	if err := p.engine.Detach(ctx, args[0]); err != nil {
		return outputError("fragment detach", err)
	}
	return outputFragments("fragment detach", p)
}

func runFragmentList(cmd *cobra.Command, args []string) error {
	p, err := openProjectCwd(cmd.Context())
	if err != nil {
		return outputError("fragment list", err)
	}
	defer p.Close()
	return outputFragments("fragment list", p)
}

func outputFragments(command string, p *project) error {
	entries, err := p.engine.Fragments()
	if err != nil {
		return outputError(command, err)
	}
	if entries == nil {
		entries = []*xrefdb.FragmentEntry{}
	}
	return outputResult(CLIResult{Command: command, Results: entries})
}
