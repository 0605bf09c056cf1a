package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newHashCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Compute a credential reference for admin.credential",
		Long: `Reads a secret (without echo on a terminal, otherwise one line from stdin)
and prints its argon2id reference in PHC form, ready for admin.credential
(ADMINGUARD_ADMIN_CREDENTIAL).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := a.cfg.Verifier()
			if err != nil {
				return err
			}

			p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			secret, err := p.Secret("Secret: ")
			if err != nil {
				return err
			}
			if p.Interactive() {
				again, err := p.Secret("Repeat: ")
				if err != nil {
					return err
				}
				if again != secret {
					return errors.New("secrets do not match")
				}
			}

			ref, err := v.ComputeReference(secret)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ref.String())
			return err
		},
	}
}
