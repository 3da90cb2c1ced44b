package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Print a shell completion script for attest",
	Long: `Print a completion script for attest's commands and flags.

Identity names are not completed: they are encrypted in the vault and
completing them would need the passphrase. Use 'attest identity list'
to look them up.

Load completions for the current shell session:
  bash:        source <(attest completion bash)
  zsh:         source <(attest completion zsh)
  fish:        attest completion fish | source
  powershell:  attest completion powershell | Out-String | Invoke-Expression

Install them permanently, for example:
  attest completion bash > /etc/bash_completion.d/attest
  attest completion zsh > "${fpath[1]}/_attest"
  attest completion fish > ~/.config/fish/completions/attest.fish
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(stdout)
		case "fish":
			return rootCmd.GenFishCompletion(stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(stdout)
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
