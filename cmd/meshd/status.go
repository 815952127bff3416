package meshd

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/styrene-lab/styrene-meshd/internal/rpc"
	"github.com/styrene-lab/styrene-meshd/internal/store"
	"github.com/styrene-lab/styrene-meshd/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running daemon's status",
	Long:  "Calls daemon_status_ex over a local RPC client and prints a summary table",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newStatusClient()

		var status map[string]interface{}
		if err := client.Call("daemon_status_ex", nil, &status); err != nil {
			return fmt.Errorf("daemon_status_ex: %w", err)
		}

		util.PrintDaemonStatus(os.Stdout, status)

		var announces []store.Announce
		if err := client.Call("sdk_peer_list_announces", map[string]interface{}{"limit": 100}, &announces); err != nil {
			return fmt.Errorf("sdk_peer_list_announces: %w", err)
		}

		fmt.Println()
		util.PrintTableOfAnnounces(os.Stdout, announces...)

		fmt.Println()
		util.PrintTableOfPeerCounts(os.Stdout, announces)

		return nil
	},
}

func newStatusClient() *rpc.Client {
	addr := viper.GetString("http.listen")

	scheme := "http"
	httpClient := &http.Client{}

	if viper.GetString("tls.cert-file") != "" {
		scheme = "https"
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	return rpc.NewClient(scheme+"://"+addr, httpClient)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
