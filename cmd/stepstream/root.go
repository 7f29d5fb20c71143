package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/advbet/stepstream"
	"github.com/advbet/stepstream/internal/api"
	"github.com/advbet/stepstream/internal/config"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	conf    *config.Config
	log     *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "stepstream",
		Short:         "stepstream - SSE progress stream demo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	_ = a.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(a.serveCmd(), a.relayCmd())
	return cmd
}

func (a *app) init() error {
	conf, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	log, err := config.NewLogger(conf.Log, os.Stderr)
	if err != nil {
		return err
	}
	a.conf = conf
	a.log = log
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve step streams on /stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := api.NewServer(api.Options{
				Log:     a.log,
				Tracker: stepstream.NewTracker(stepstream.DefaultRetention, time.Minute),
			})
			srv.Stream("/stream", stepstream.NewProducer(), stepstream.StepConfig)
			return srv.ListenAndServe(cmd.Context(), a.conf.Serve.Addr())
		},
	}
	cmd.Flags().String("host", "", "interface to bind (default 0.0.0.0)")
	cmd.Flags().Int("port", 0, "port to bind (default 8000)")
	_ = a.v.BindPFlag("serve.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("serve.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay an upstream step stream on /api/process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := api.NewServer(api.Options{
				Log:         a.log,
				Tracker:     stepstream.NewTracker(stepstream.DefaultRetention, time.Minute),
				AllowOrigin: a.conf.Relay.AllowOrigin,
			})
			srv.Stream("/api/process", stepstream.NewRelay(a.conf.Relay.Upstream, a.log), stepstream.DefaultConfig)
			a.log.WithField("upstream", a.conf.Relay.Upstream).Info("relaying upstream stream")
			return srv.ListenAndServe(cmd.Context(), a.conf.Relay.Addr())
		},
	}
	cmd.Flags().String("host", "", "interface to bind (default 0.0.0.0)")
	cmd.Flags().Int("port", 0, "port to bind (default 8080)")
	cmd.Flags().String("upstream", "", "upstream step stream URL (default http://localhost:8000/stream)")
	_ = a.v.BindPFlag("relay.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("relay.port", cmd.Flags().Lookup("port"))
	_ = a.v.BindPFlag("relay.upstream", cmd.Flags().Lookup("upstream"))
	return cmd
}
