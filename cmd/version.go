package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/fzft/go-reactor/cmd.gitSHA1=..." at build time.
var (
	version   = "0.1.0"
	gitSHA1   = "unknown"
	gitDirty  = "unknown"
	buildID   = "unknown"
	buildDate = "unknown"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Logging and config are not needed here.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reactor %s build=%s date=%s\n",
				versionString(gitSHA1, gitDirty), buildID, buildDate)
			return err
		},
	}
}

// versionString appends the git commit and working tree status when they
// were stamped in.
func versionString(sha1, dirty string) string {
	v := version
	if isHex(sha1) && strings.Trim(sha1, "0") != "" {
		v = fmt.Sprintf("%s (git:%s", v, sha1)
		if d, err := strconv.Atoi(dirty); err == nil && d != 0 {
			v += "-dirty"
		}
		v += ")"
	}
	return v
}

func isHex(s string) bool {
	return s != "" && strings.Trim(strings.ToLower(s), "0123456789abcdef") == ""
}
