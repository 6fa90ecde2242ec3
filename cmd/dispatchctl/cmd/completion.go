package cmd

import (
	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(dispatchctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ dispatchctl completion bash > /etc/bash_completion.d/dispatchctl
  # macOS:
  $ dispatchctl completion bash > $(brew --prefix)/etc/bash_completion.d/dispatchctl

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ dispatchctl completion zsh > "${fpath[1]}/_dispatchctl"

  # You will need to start a new shell for this setup to take effect.

fish:

  $ dispatchctl completion fish | source

  # To load completions for each session, execute once:
  $ dispatchctl completion fish > ~/.config/fish/completions/dispatchctl.fish

PowerShell:

  PS> dispatchctl completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> dispatchctl completion powershell > dispatchctl.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(w, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(w)
		case "fish":
			return cmd.Root().GenFishCompletion(w, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(w)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
