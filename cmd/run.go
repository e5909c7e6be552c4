package cmd

import (
	"context"
	"log"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/metal-toolbox/provisioner/internal/app"
	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/metal-toolbox/provisioner/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	// nolint:gosec // profiling endpoint listens on the metrics address.
	_ "net/http/pprof"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the provisioner API server and the worker processing node requests",
	Run: func(cmd *cobra.Command, _ []string) {
		runProvisioner(cmd.Context())
	},
}

// run command flags
var (
	profilesFile  string
	listenAddress string
	noWorker      bool
)

func runProvisioner(ctx context.Context) {
	provisioner, termCh, err := app.New(model.AppKindWorker, cfgFile, logLevel())
	if err != nil {
		log.Fatal(err)
	}

	provisioner.InitOtelLogger()

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	// Setup cancel context with cancel func.
	ctx, cancelFunc := context.WithCancel(ctx)

	// routine listens for termination signal and cancels the context
	go func() {
		<-termCh
		provisioner.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	services, err := provisioner.Services(nil)
	if err != nil {
		provisioner.Logger.Fatal(err)
	}

	defer services.Close()

	if profilesFile != "" {
		profiles, err := store.LoadProfiles(ctx, services.Store, profilesFile)
		if err != nil {
			provisioner.Logger.Fatal(err)
		}

		provisioner.Logger.WithField("hardwareProfiles", len(profiles.HardwareProfiles)).
			WithField("softwareProfiles", len(profiles.SoftwareProfiles)).
			Info("profiles loaded")
	}

	addr := listenAddress
	if addr == "" {
		addr = provisioner.Config.ListenAddress
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return services.API.ListenAndServe(ctx, addr)
	})

	if !noWorker {
		g.Go(func() error {
			return services.Worker.Run(ctx)
		})

		if services.Pinger != nil {
			g.Go(func() error {
				return services.Pinger.Run(ctx)
			})
		}

		// requests left queued or running by a previous process are picked up again,
		// the jetstream queue retains them and drops the duplicates.
		queued, err := services.Requests.RequeuePending(ctx)
		if err != nil {
			provisioner.Logger.WithError(err).Error("requeue pending node requests")
		}

		provisioner.Logger.WithField("count", queued).Info("pending node requests queued")
	}

	if err := g.Wait(); err != nil {
		provisioner.Logger.WithError(err).Error("provisioner exited")
	}
}

func init() {
	cmdRun.PersistentFlags().StringVar(&profilesFile, "profiles", "", "YAML file with the hardware and software profiles to load at startup")
	cmdRun.PersistentFlags().StringVar(&listenAddress, "listen-address", "", "API listen address, overrides the listen_address configuration parameter")
	cmdRun.PersistentFlags().BoolVarP(&noWorker, "no-worker", "", false, "serve the API without processing node requests")

	rootCmd.AddCommand(cmdRun)
}
