package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sandbox2/filter"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm",
	Short: "Compile a policy and print its filter program",
	Long: `Disasm compiles the policy described by the flags and prints the
resulting seccomp-bpf program one instruction per line, so a policy can
be audited before anything runs under it.`,
	RunE: runDisasm,
}

var disasmPolicy policyFlags

func init() {
	rootCmd.AddCommand(disasmCmd)
	disasmPolicy.register(disasmCmd.Flags())
}

func runDisasm(cmd *cobra.Command, args []string) error {
	pol, err := disasmPolicy.buildPolicy()
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}
	fmt.Print(filter.Disasm(pol.Program()))
	return nil
}
