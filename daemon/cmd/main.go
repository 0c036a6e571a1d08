package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/scusemua/kernel-broker/common/utils"
	"github.com/scusemua/kernel-broker/daemon"
	"github.com/scusemua/kernel-broker/daemon/domain"
)

const (
	blobStoreConnectTimeout = 30 * time.Second
)

var (
	options      = domain.BrokerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	// Set default options.
	options.PrometheusPort = domain.DefaultPrometheusPort
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the kernel broker with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the kernel broker.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), blobStoreConnectTimeout)
	broker, err := daemon.NewBrokerBuilder(&options).Build(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to create the kernel broker: %v", err)
	}

	if err = broker.Start(); err != nil {
		_ = broker.Close()
		log.Fatalf("Failed to start the kernel broker: %v", err)
	}
	globalLogger.Info(utils.GreenStyle.Render("Kernel broker %s is running."), broker.ID())

	// Start detecting stop signals
	done.Add(1)
	go func() {
		defer done.Done()

		<-sig
		globalLogger.Info("Shutting down...")

		if closeErr := broker.Close(); closeErr != nil {
			globalLogger.Warn("Error while shutting down the kernel broker: %v", closeErr)
		}
	}()

	done.Wait()
}
