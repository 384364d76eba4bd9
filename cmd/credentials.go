package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-converter/internal/config"
	"github.com/sells-group/lead-converter/internal/model"
)

var (
	credsToken string
	credsPixel string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the stored Conversions API credentials",
}

var credentialsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Store the access token and pixel ID",
	Long: `Writes the access token and pixel ID to the credentials file (credentials_file
in config.yaml, default credentials.json) with owner-only permissions. Values
not given as flags are prompted for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := collectCredentials(cmd.InOrStdin(), cmd.OutOrStdout(), credsToken, credsPixel)
		if err != nil {
			return err
		}
		if err := config.SaveCredentials(cfg.CredentialsFile, creds); err != nil {
			return err
		}
		zap.L().Info("credentials saved", zap.String("path", cfg.CredentialsFile))
		fmt.Fprintf(cmd.OutOrStdout(), "Saved credentials to %s\n", cfg.CredentialsFile)
		return nil
	},
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective credentials with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := cfg.Credentials()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "File:         %s\n", cfg.CredentialsFile)
		fmt.Fprintf(out, "Access token: %s\n", maskToken(creds.AccessToken))
		fmt.Fprintf(out, "Pixel ID:     %s\n", orNone(creds.PixelID))
		return nil
	},
}

func init() {
	credentialsSaveCmd.Flags().StringVar(&credsToken, "token", "", "Conversions API access token")
	credentialsSaveCmd.Flags().StringVar(&credsPixel, "pixel", "", "pixel (dataset) ID")

	credentialsCmd.AddCommand(credentialsSaveCmd)
	credentialsCmd.AddCommand(credentialsShowCmd)
	rootCmd.AddCommand(credentialsCmd)
}

// collectCredentials fills whichever of token and pixel is empty from in.
func collectCredentials(in io.Reader, out io.Writer, token, pixel string) (model.Credentials, error) {
	r := bufio.NewReader(in)
	var err error
	if token == "" {
		if token, err = prompt(r, out, "Access token: "); err != nil {
			return model.Credentials{}, err
		}
	}
	if pixel == "" {
		if pixel, err = prompt(r, out, "Pixel ID: "); err != nil {
			return model.Credentials{}, err
		}
	}
	creds := model.Credentials{AccessToken: strings.TrimSpace(token), PixelID: strings.TrimSpace(pixel)}
	if !creds.Complete() {
		return creds, eris.New("credentials: access token and pixel ID are both required")
	}
	return creds, nil
}

func prompt(r *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", eris.Wrap(err, "credentials: read input")
	}
	return strings.TrimSpace(line), nil
}

// maskToken keeps the last four characters of a token.
func maskToken(token string) string {
	switch {
	case token == "":
		return "(none)"
	case len(token) <= 4:
		return strings.Repeat("*", len(token))
	default:
		return strings.Repeat("*", 8) + token[len(token)-4:]
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
