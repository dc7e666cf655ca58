package main

import (
	"fmt"
	"os"

	elog "github.com/eluv-io/log-go"
	"github.com/spf13/cobra"

	"github.com/tsgate/tsgate/config"
	"github.com/tsgate/tsgate/gateway"
)

func main() {
	cmdRoot := &cobra.Command{
		Use:          "tsgate",
		Short:        "IPTV multicast to HTTP MPEG-TS gateway",
		Long:         "tsgate ingests multicast RTP/UDP and RTSP IPTV streams and re-serves them as unicast HTTP MPEG-TS.",
		SilenceUsage: true,
		RunE:         run,
	}

	flags := cmdRoot.PersistentFlags()
	flags.StringP("config", "c", "", "(optional) configuration file path")
	flags.StringP("listen", "l", "", "listen address, host:port")
	flags.IntP("workers", "w", 0, "number of worker loops")
	flags.IntP("maxclients", "m", 0, "maximum concurrent clients")
	flags.StringP("verbosity", "v", "", "log level: trace|debug|info|warn|error")
	flags.String("hostname", "", "require this Host header on every request")
	flags.String("token", "", "require this r2h-token query parameter on every request")
	flags.Bool("zerocopy", false, "enable MSG_ZEROCOPY sends when supported")

	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitConfig)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if path := cmd.Flag("config").Value.String(); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(config.ExitConfig)
		}
	}
	if v := cmd.Flag("listen").Value.String(); v != "" {
		cfg.ListenAddrs = []string{v}
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Workers = n
	}
	if n, _ := cmd.Flags().GetInt("maxclients"); n > 0 {
		cfg.MaxClients = n
	}
	if v := cmd.Flag("verbosity").Value.String(); v != "" {
		cfg.Verbosity = v
	}
	if v := cmd.Flag("hostname").Value.String(); v != "" {
		cfg.Hostname = v
	}
	if v := cmd.Flag("token").Value.String(); v != "" {
		cfg.Token = v
	}
	if on, _ := cmd.Flags().GetBool("zerocopy"); on {
		cfg.ZerocopySend = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitConfig)
	}

	elog.SetDefault(&elog.Config{
		Level:   cfg.Verbosity,
		Handler: "text",
	})

	srv := gateway.NewServer(cfg)
	if err := srv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitBind)
	}
	return nil
}
