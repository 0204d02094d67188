// Command smppsd wires an smpps.Server to the in-memory reference Router
// and starts listening. CLI/config parsing lives outside the core server
// by design; this binary only demonstrates assembling the pieces, it is
// not a surface this module tests against.
package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sendwave/smppd/internal/memrouter"
	"github.com/sendwave/smppd/smpps"
)

func main() {
	root := &cobra.Command{
		Use:   "smppsd",
		Short: "smppsd runs a demo SMPP SMSC server over an in-memory user store",
		RunE:  run,
	}
	flags := root.Flags()
	flags.String("addr", ":2775", "listen address")
	flags.String("id", "smppd", "server identifier sent back in bind responses")
	flags.Duration("session-init-timeout", 30*time.Second, "close unbound connections after this long")
	flags.Duration("enquire-link-timeout", 30*time.Second, "interval between enquire_link heartbeats")
	flags.Duration("inactivity-timeout", 0, "unbind idle sessions after this long (0 disables)")
	flags.Duration("response-timeout", 10*time.Second, "deadline for server-originated requests")
	flags.Int("max-pdu-size", 4096, "maximum accepted PDU length in bytes")
	flags.String("log-level", "info", "log verbosity")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	conf := smpps.Config{
		ID:                 v.GetString("id"),
		Addr:               v.GetString("addr"),
		SessionInitTimeout: v.GetDuration("session-init-timeout"),
		EnquireLinkTimeout: v.GetDuration("enquire-link-timeout"),
		InactivityTimeout:  v.GetDuration("inactivity-timeout"),
		ResponseTimeout:    v.GetDuration("response-timeout"),
		MaxPDUSize:         v.GetInt("max-pdu-size"),
		LogLevel:           v.GetString("log-level"),
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "smppsd")

	router := memrouter.New()
	router.AddUser(memrouter.Account{
		SystemID: "demo",
		Password: "demo",
		SMPPSCredential: smpps.SMPPSCredential{
			CanBind:     true,
			MaxBindings: 5,
		},
		MTCredential: smpps.MTCredential{
			CanSmppsSend:             true,
			CanSetDLRLevel:           true,
			CanSetSourceAddress:      true,
			CanSetPriority:           true,
			DestinationAddressFilter: regexp.MustCompile(`.*`),
		},
	})

	srv := smpps.NewServer(router, conf, logger, prometheus.DefaultRegisterer)
	logger.Log("msg", "starting", "addr", conf.Addr)
	return srv.ListenAndServe()
}
