package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve AS requests",
	Long: `Serve AS requests until interrupted.

The configuration is read from kdc.toml in the current directory unless
another file is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _ := cmd.Flags().GetString("config")
		return run(config)
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "kdc.toml", "Path to the KDC configuration file")
}

func run(confPath string) error {
	conf, err := loadConfig(confPath)
	if err != nil {
		return err
	}
	log, closer, err := conf.logger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	db, err := conf.database()
	if err != nil {
		return err
	}
	cfg, err := conf.kdcConfig(db, log)
	if err != nil {
		return err
	}
	k, err := kdc.NewKDC(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := k.Start(ctx); err != nil {
		return err
	}
	if err := k.Ready(ctx); err != nil {
		return err
	}
	log.Printf(kdclog.AreaGeneral, "Serving realm %s", conf.Realm)

	k.Wait()
	return nil
}
