package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/goAuthClient/jwt"
)

func newCheckCommand(root *rootOptions) *cobra.Command {
	var margin time.Duration

	cmd := &cobra.Command{
		Use:   "check [token]",
		Short: "Decode an access token and report whether it is usable",
		Long: `check prints the expiry of an access token and whether it is usable under
the expiry margin. The token is read from stdin when no argument is given.
With expiry.signing_method set the signature is verified first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("margin") {
				margin = cfg.Expiry.Margin
			}

			evaluator, err := jwt.NewEvaluator(jwt.EvaluatorConfig{
				SigningMethod: jwt.SigningMethod(cfg.Expiry.SigningMethod),
				Key:           []byte(cfg.Expiry.VerifyKey),
			})
			if err != nil {
				return err
			}

			exp, err := evaluator.Expiry(token)
			if err != nil {
				return err
			}
			remaining, _ := evaluator.Remaining(token)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "expires:   %s\n", exp.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "remaining: %s\n", remaining.Round(time.Second))
			fmt.Fprintf(out, "margin:    %s\n", margin)
			fmt.Fprintf(out, "usable:    %t\n", evaluator.IsUsable(token, margin))
			return nil
		},
	}
	cmd.Flags().DurationVar(&margin, "margin", jwt.DefaultMargin, "expiry margin (defaults to expiry.margin)")
	return cmd
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}
