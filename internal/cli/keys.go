package cli

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hatago-plugin-host/internal/storage/mysql"
	"hatago-plugin-host/pkg/signing"
)

// EnvDSN 为 keys 子命令提供默认的 MySQL DSN。
const EnvDSN = "HATAGO_MYSQL_DSN"

type keyStore interface {
	Save(ctx context.Context, keyID string, pub crypto.PublicKey, trusted bool, meta signing.KeyMetadata) error
	Delete(ctx context.Context, keyID string) error
	List(ctx context.Context) ([]mysql.KeyRecord, error)
	Close() error
}

// openKeyStore 在测试中可替换。
var openKeyStore = func(ctx context.Context, dsn string) (keyStore, error) {
	return mysql.NewKeyStore(ctx, mysql.Config{DSN: dsn})
}

func newKeysCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the trusted key table in MySQL",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv(EnvDSN), "MySQL DSN (defaults to $"+EnvDSN+")")

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store keyStore) error) error {
		if dsn == "" {
			return errors.New("缺少 --dsn")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := openKeyStore(ctx, dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, store)
	}

	cmd.AddCommand(newKeysAddCmd(withStore))
	cmd.AddCommand(newKeysListCmd(withStore))
	cmd.AddCommand(newKeysRemoveCmd(withStore))
	return cmd
}

type storeRunner func(cmd *cobra.Command, fn func(ctx context.Context, store keyStore) error) error

func newKeysAddCmd(run storeRunner) *cobra.Command {
	var (
		keyID     string
		issuer    string
		subject   string
		untrusted bool
		validTo   string
	)
	cmd := &cobra.Command{
		Use:   "add <public.pem>",
		Short: "Register a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取公钥失败: %w", err)
			}
			pub, err := signing.ParsePublicKeyPEM(raw)
			if err != nil {
				return err
			}
			if keyID == "" {
				if keyID, err = signing.GenerateKeyID(pub); err != nil {
					return err
				}
			}
			meta := signing.KeyMetadata{Issuer: issuer, Subject: subject}
			if validTo != "" {
				t, err := time.Parse(time.RFC3339, validTo)
				if err != nil {
					return fmt.Errorf("--valid-to 需要 RFC3339 时间: %w", err)
				}
				meta.ValidTo = &t
			}
			return run(cmd, func(ctx context.Context, store keyStore) error {
				if err := store.Save(ctx, keyID, pub, !untrusted, meta); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), keyID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id (derived from the key when empty)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer recorded with the key")
	cmd.Flags().StringVar(&subject, "subject", "", "subject recorded with the key")
	cmd.Flags().BoolVar(&untrusted, "untrusted", false, "register the key without trusting it")
	cmd.Flags().StringVar(&validTo, "valid-to", "", "informational expiry (RFC3339)")
	return cmd
}

func newKeysListCmd(run storeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, store keyStore) error {
				records, err := store.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY ID\tALGORITHM\tTRUSTED\tISSUER\tSUBJECT")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", r.KeyID, r.Algorithm, r.Trusted, r.Issuer, r.Subject)
				}
				return w.Flush()
			})
		},
	}
}

func newKeysRemoveCmd(run storeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key-id>",
		Short: "Remove a registered key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, store keyStore) error {
				return store.Delete(ctx, args[0])
			})
		},
	}
}
