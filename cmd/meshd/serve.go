package meshd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	log "github.com/activeshadow/libminimega/minilog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/styrene-lab/styrene-meshd/internal/auth"
	"github.com/styrene-lab/styrene-meshd/internal/daemon"
	"github.com/styrene-lab/styrene-meshd/util/sigterm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mesh-messaging daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := daemon.Options{
			Profile:             viper.GetString("profile"),
			StorePath:           viper.GetString("store.path"),
			DomainStatePath:     viper.GetString("domain.state-path"),
			BindMode:            viper.GetString("bind-mode"),
			AuthMode:            viper.GetString("auth-mode"),
			DiagPacketTraceFile: viper.GetString("diag.packet-trace-file"),
		}

		rt, err := daemon.New(opts)
		if err != nil {
			return fmt.Errorf("constructing runtime: %w", err)
		}
		defer rt.Shutdown()

		addr := viper.GetString("http.listen")

		srv := &http.Server{Addr: addr, Handler: rt.HTTP}

		certFile := viper.GetString("tls.cert-file")
		keyFile := viper.GetString("tls.key-file")

		errCh := make(chan error, 1)

		if certFile != "" {
			tlsCfg, err := buildTLSConfig(viper.GetString("tls.client-ca-file"), opts.AuthMode)
			if err != nil {
				return fmt.Errorf("building TLS config: %w", err)
			}
			srv.TLSConfig = tlsCfg

			log.Info("listening on %s over TLS (profile=%s)", addr, opts.Profile)
			go func() { errCh <- srv.ListenAndServeTLS(certFile, keyFile) }()
		} else {
			log.Info("listening on %s (profile=%s)", addr, opts.Profile)
			go func() { errCh <- srv.ListenAndServe() }()
		}

		ctx := sigterm.CancelContext(context.Background())

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serving HTTP: %w", err)
			}
		case <-ctx.Done():
			log.Info("received shutdown signal, closing listener")
			return srv.Close()
		case <-rt.ShutdownC:
			log.Info("received sdk_shutdown_v2 RPC, closing listener")
			return srv.Close()
		}

		return nil
	},
}

// buildTLSConfig loads the server certificate's trust of client certs from
// clientCAFile when auth mode is mtls; an empty clientCAFile leaves client
// cert verification to the default (none requested).
func buildTLSConfig(clientCAFile, authMode string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if authMode != string(auth.ModeMTLS) || clientCAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading client CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", clientCAFile)
	}

	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven

	return cfg, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
