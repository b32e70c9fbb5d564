package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blockadesystems/localca/internal/api"
	"github.com/blockadesystems/localca/internal/auth"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/model"
)

var (
	csrCommonName string
	csrAltNames   []string
	csrKeyOut     string
	csrSignFor    string
)

var makeCSRCmd = &cobra.Command{
	Use:   "make-csr",
	Short: "Generate a key pair and a certificate signing request",
	Long: `Generates an RSA key and a CSR. With --sign-for, also prints the JWS body to POST to
/certificates/csr on the given CA URL, signed with the new key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ca.CreateRequest(ca.SubjectOptions{CommonName: csrCommonName}, csrAltNames)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if csrKeyOut != "" {
			if err := os.WriteFile(csrKeyOut, req.PrivateKeyPEM, 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
		} else {
			fmt.Fprint(out, string(req.PrivateKeyPEM))
		}
		fmt.Fprint(out, string(req.CSRPEM))

		if csrSignFor == "" {
			return nil
		}
		payload, err := json.Marshal(model.CSRPayload{Domain: req.Subject.CommonName, CSR: string(req.CSRPEM)})
		if err != nil {
			return err
		}
		body, err := auth.SignEmbeddedJWS(req.PrivateKey, payload, strings.TrimSuffix(csrSignFor, "/")+api.CSRPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, body)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(makeCSRCmd)
	makeCSRCmd.Flags().StringVar(&csrCommonName, "cn", ca.DefaultCommonName, "Common name")
	makeCSRCmd.Flags().StringSliceVar(&csrAltNames, "san", nil, "Subject alternative names (DNS names or IPv4 addresses)")
	makeCSRCmd.Flags().StringVar(&csrKeyOut, "key-out", "", "Write the private key here instead of stdout")
	makeCSRCmd.Flags().StringVar(&csrSignFor, "sign-for", "", "CA base URL, e.g. https://ca.test:10443")
}
