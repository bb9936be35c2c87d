package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show showrunner version information",
	Long: `Display version, build time, commit hash, and platform information.

With --check the command fails unless the binary satisfies the given
semver constraint, e.g. in deployment scripts:

  showrunner version --check ">= 0.4"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		check, _ := cmd.Flags().GetString("check")

		info := version.Get()
		if check != "" {
			return info.Satisfies(check)
		}

		if jsonOutput {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("error formatting JSON: %w", err)
			}
			fmt.Println(string(output))
			return nil
		}

		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
	VersionCmd.Flags().String("check", "", "Fail unless the version satisfies this semver constraint")
}
