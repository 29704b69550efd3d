package cmd

import (
	"github.com/spf13/cobra"
)

var identifierCmd = &cobra.Command{
	Use:   "identifier",
	Short: "Job identifier helpers",
}

var identifierExclude string

var identifierCheckCmd = &cobra.Command{
	Use:   "check <candidate>",
	Short: "Check whether an identifier is free",
	Long: `Check whether an identifier is free and suggest the next free
candidate-N when it is taken.

Pass --exclude with a job id to check an edit in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentifierCheck,
}

func init() {
	rootCmd.AddCommand(identifierCmd)
	identifierCmd.AddCommand(identifierCheckCmd)
	identifierCheckCmd.Flags().StringVar(&identifierExclude, "exclude", "", "Job id whose own identifier does not count as taken")
}

type identifierCheckOutput struct {
	Identifier  string `json:"identifier"`
	Available   bool   `json:"available"`
	Alternative string `json:"alternative,omitempty"`
}

func runIdentifierCheck(cmd *cobra.Command, args []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := operator(a)
	if err != nil {
		return err
	}
	res, err := a.Lifecycle().CheckIdentifier(cmd.Context(), u, args[0], identifierExclude)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), identifierCheckOutput{
		Identifier:  res.Identifier,
		Available:   res.Available,
		Alternative: res.Alternative,
	})
}
