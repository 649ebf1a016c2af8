package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/session_relay/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the queue service",
	Long: `Sign an RS256 token the queue service accepts when JWT_PUBLIC_KEY_FILE is set.

Examples:
  relayctl token keygen --dir ./keys
  relayctl token --key ./keys/private.pem --subject my-agent --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		subject, _ := cmd.Flags().GetString("subject")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pemBytes))
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(key, issuer, audience, subject, ttl)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}

		if ttl <= 0 {
			ttl = time.Hour
		}
		printOutput(cmd.OutOrStdout(), map[string]any{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int(ttl.Seconds()),
		}, func(w io.Writer) {
			fmt.Fprintln(w, token)
		})
		return nil
	},
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for signing tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		bits, _ := cmd.Flags().GetInt("bits")

		priv, pub, err := generateKeyPair(bits)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
		privPath := filepath.Join(dir, "private.pem")
		pubPath := filepath.Join(dir, "public.pem")
		if err := os.WriteFile(privPath, priv, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}

		printOutput(cmd.OutOrStdout(), map[string]string{"private_key": privPath, "public_key": pubPath}, func(w io.Writer) {
			fmt.Fprintf(w, "Private key: %s\n", privPath)
			fmt.Fprintf(w, "Public key:  %s (set JWT_PUBLIC_KEY_FILE to this on the queue service)\n", pubPath)
		})
		return nil
	},
}

// generateKeyPair returns PEM encoded PKCS1 private and PKIX public keys.
func generateKeyPair(bits int) ([]byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA key: %w", err)
	}
	priv := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pub, err := auth.EncodePublicKey(key)
	if err != nil {
		return nil, nil, err
	}
	return priv, []byte(pub), nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd)

	tokenCmd.Flags().String("key", "private.pem", "PEM encoded RSA private key")
	tokenCmd.Flags().String("subject", "relayctl", "token subject")
	tokenCmd.Flags().String("issuer", "session-relay", "token issuer (must match JWT_ISSUER)")
	tokenCmd.Flags().String("audience", "session-relay-taskserver", "token audience (must match JWT_AUDIENCE)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")

	tokenKeygenCmd.Flags().String("dir", ".", "directory to write private.pem and public.pem")
	tokenKeygenCmd.Flags().Int("bits", 2048, "RSA key size")
}
