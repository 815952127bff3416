package meshd

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "Mesh-messaging daemon control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true, // don't print help when subcommands return an error
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	_, home := getCurrentUserInfo()

	rootCmd.PersistentFlags().String("profile", "desktop-full", "deployment profile: desktop-full, desktop-local-runtime, embedded-alloc")
	rootCmd.PersistentFlags().String("store.path", fmt.Sprintf("%s/.meshd.bdb", home), "path to the bbolt message/announce store (empty uses an in-memory store)")
	rootCmd.PersistentFlags().String("domain.state-path", fmt.Sprintf("%s/.meshd-domain.json", home), "path to the domain state snapshot file")
	rootCmd.PersistentFlags().String("bind-mode", "local_only", "bind_mode: local_only or remote")
	rootCmd.PersistentFlags().String("auth-mode", "local_trusted", "auth_mode: local_trusted, token, or mtls")
	rootCmd.PersistentFlags().String("http.listen", "127.0.0.1:9443", "HTTP listen address")
	rootCmd.PersistentFlags().String("tls.cert-file", "", "PEM server certificate (chain); empty disables TLS")
	rootCmd.PersistentFlags().String("tls.key-file", "", "PEM server private key")
	rootCmd.PersistentFlags().String("tls.client-ca-file", "", "PEM CA bundle for verifying client certificates under auth-mode=mtls")
	rootCmd.PersistentFlags().String("diag.packet-trace-file", "", "path to a packet-trace file to tail and republish as diag_trace events")

	viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")

	_, home := getCurrentUserInfo()
	viper.AddConfigPath(home + "/.config/meshd")
	viper.AddConfigPath("/etc/meshd")

	viper.SetEnvPrefix("MESHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func getCurrentUserInfo() (string, string) {
	u, err := user.Current()
	if err != nil {
		return "", "/tmp"
	}

	var (
		uid  = u.Uid
		home = u.HomeDir
		sudo = os.Getenv("SUDO_USER")
	)

	if u.Uid == "0" && sudo != "" {
		if su, err := user.Lookup(sudo); err == nil {
			uid = su.Uid
			home = su.HomeDir
		}
	}

	return uid, home
}
