package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// redacted keys hold secrets.
var redacted = map[string]bool{
	"admin.password": true,
	"redis.password": true,
	"postgres.dsn":   true,
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := a.v.AllKeys()
			sort.Strings(keys)

			var b strings.Builder
			if f := a.v.ConfigFileUsed(); f != "" {
				fmt.Fprintf(&b, "# %s\n", f)
			}
			for _, k := range keys {
				val := fmt.Sprint(a.v.Get(k))
				if redacted[k] && val != "" {
					val = "***"
				}
				fmt.Fprintf(&b, "%s = %s\n", k, val)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), b.String())
			return err
		},
	}
}
