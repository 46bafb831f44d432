package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hatago-plugin-host/internal/auth"
	"hatago-plugin-host/pkg/signing"
)

func newKeygenCmd() *cobra.Command {
	var (
		alg  string
		dir  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair",
		Long: `Generate a key pair for one of the supported algorithms
(ed25519, rsa-pss, ecdsa-p256). The public key is written as PKIX PEM to
<name>.pub.pem and the private key as PKCS#8 PEM to <name>.key.pem.
The derived key id is printed on stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pair, err := signing.GenerateKeyPair(signing.Algorithm(alg))
			if err != nil {
				return err
			}
			pubPEM, err := signing.MarshalPublicKeyPEM(pair.PublicKey)
			if err != nil {
				return err
			}
			privPEM, err := signing.MarshalPrivateKeyPEM(pair.PrivateKey)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("创建目录失败: %w", err)
			}
			if err := os.WriteFile(filepath.Join(dir, name+".pub.pem"), pubPEM, 0o644); err != nil {
				return fmt.Errorf("写入公钥失败: %w", err)
			}
			if err := os.WriteFile(filepath.Join(dir, name+".key.pem"), privPEM, 0o600); err != nil {
				return fmt.Errorf("写入私钥失败: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pair.KeyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(signing.AlgorithmEd25519), "signature algorithm")
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	cmd.Flags().StringVar(&name, "name", "signing", "base file name for the key pair")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		keyPath string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "sign <artifact>",
		Short: "Sign a plugin artifact",
		Long: `Sign the exact bytes of a plugin artifact with a PKCS#8 private key.
The algorithm and key id are derived from the key. The detached signature
is written as JSON to --out, or to <artifact>.sig.json by default.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("读取私钥失败: %w", err)
			}
			priv, err := signing.ParsePrivateKeyPEM(raw)
			if err != nil {
				return err
			}
			alg, err := signing.AlgorithmForKey(priv.Public())
			if err != nil {
				return err
			}
			keyID, err := signing.GenerateKeyID(priv.Public())
			if err != nil {
				return err
			}
			artifact, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取插件产物失败: %w", err)
			}
			sig, err := signing.SignPlugin(artifact, priv, keyID, alg)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(sig, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".sig.json"
			}
			if err := os.WriteFile(out, append(encoded, '\n'), 0o644); err != nil {
				return fmt.Errorf("写入签名失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed %s with %s key %s\n", args[0], alg, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM private key")
	cmd.Flags().StringVar(&out, "out", "", "signature output path")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		pubPath string
		sigPath string
		maxAge  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Verify a plugin artifact against a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(pubPath)
			if err != nil {
				return fmt.Errorf("读取公钥失败: %w", err)
			}
			pub, err := signing.ParsePublicKeyPEM(raw)
			if err != nil {
				return err
			}
			keyID, err := signing.GenerateKeyID(pub)
			if err != nil {
				return err
			}
			if sigPath == "" {
				sigPath = args[0] + ".sig.json"
			}
			sig, err := signing.LoadSignature(sigPath)
			if err != nil {
				return err
			}
			artifact, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取插件产物失败: %w", err)
			}

			registry := signing.NewKeyRegistry()
			if err := registry.AddKey(keyID, pub, true, signing.KeyMetadata{}); err != nil {
				return err
			}
			verifier := signing.NewVerifier(signing.Config{Enabled: true, MaxSignatureAge: maxAge}, registry)
			result := verifier.VerifyPlugin(artifact, sig)

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			if !result.Valid {
				return fmt.Errorf("签名校验失败: %s", result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "pub", "", "PEM public key")
	cmd.Flags().StringVar(&sigPath, "sig", "", "signature JSON (default <artifact>.sig.json)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "reject signatures older than this (0 uses the host default)")
	_ = cmd.MarkFlagRequired("pub")
	return cmd
}

func newTokenHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token-hash <token>",
		Short: "Print the SHA-256 digest of an admin API token",
		Long: `Print the digest to store under server.auth.tokens in hatago.yaml.
The token itself never needs to be written to the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashToken(args[0]))
			return nil
		},
	}
}
