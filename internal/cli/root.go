package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd 构造根命令及全部子命令。
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "hatago-keys",
		Short: "Sign and verify hatago plugin artifacts",
		Long: `hatago-keys manages the keys that authenticate hatago plugins.
It generates signing key pairs, produces detached signatures for plugin
artifacts, verifies them the way the host does and maintains the trusted
key table used by hatagod.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "hatago-keys version %s\n" .Version}}`)

	root.AddCommand(newKeygenCmd())
	root.AddCommand(newSignCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newManifestCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newTokenHashCmd())
	return root
}

// Execute 运行根命令，失败时以非零状态退出。
func Execute(version string) {
	if err := NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
