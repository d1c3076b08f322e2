package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bookscope/config"
	"bookscope/internal/channel"
	"bookscope/internal/dashboard"
	"bookscope/internal/metrics"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
	"bookscope/pipeline"
	"bookscope/reader/binance"
	"bookscope/reader/bybit"
	"bookscope/reader/feed"
	"bookscope/reader/kucoin"
	"bookscope/writer"
)

// errQuit ends the run group when the user leaves the dashboard.
var errQuit = errors.New("quit")

// venueTransport is a pipeline transport with its own connection lifecycle.
type venueTransport interface {
	pipeline.Transport
	Start(ctx context.Context) error
	Wait()
	Buffer() *channel.Raw
}

func newTransport(cfg config.FeedConfig) venueTransport {
	switch cfg.Venue {
	case config.VenueBinance:
		return binance.New(cfg)
	case config.VenueBybit:
		return bybit.New(cfg)
	case config.VenueKucoin:
		return kucoin.New(cfg)
	default:
		return feed.New(cfg)
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] INSTRUMENT [INSTRUMENT...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookscope.Name,
		"version":     cfg.Bookscope.Version,
		"venue":       cfg.Feed.Venue,
		"instruments": flag.Args(),
		"environment": config.AppEnvironment(),
	}).Info("starting bookscope")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if strings.ToLower(cfg.Logging.Level) == logger.LevelReport {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Bookscope.Name)
	}

	if err := run(ctx, cfg, flag.Args()); err != nil {
		log.WithError(err).Error("bookscope stopped with error")
		os.Exit(1)
	}
	log.Info("bookscope stopped")
}

func run(ctx context.Context, cfg *config.Config, instruments []string) error {
	log := logger.GetLogger().WithComponent("main")

	// The transport and the archiver are stopped after the dispatcher.
	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer stopArchive()

	transport := newTransport(cfg.Feed)
	buffers := []metrics.Buffer{{Name: "raw_feed", Len: transport.Buffer().Len, Cap: transport.Buffer().Cap}}

	var opts []pipeline.Option
	var archiver *writer.BucketArchiver
	if cfg.Storage.S3.Enabled {
		var err error
		archiver, err = writer.NewBucketArchiver(ctx, cfg.Storage.S3)
		if err != nil {
			return fmt.Errorf("create bucket archiver: %w", err)
		}
		opts = append(opts, pipeline.WithSealHandler(archiver.Seal))
		buffers = append(buffers, archiver.Buffer())
	} else {
		log.Info("S3 storage disabled; sealed buckets are not archived")
	}

	d, err := pipeline.New(pipeline.NewConfig(cfg), transport, opts...)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	term, err := dashboard.NewTerminal(d, cfg.Renderer)
	if err != nil {
		return err
	}
	term.Select(models.Instrument(symbols.Canonical(instruments[0])))

	if err := transport.Start(transportCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer func() {
		stopTransport()
		transport.Wait()
	}()

	if archiver != nil {
		if err := archiver.Start(archiveCtx); err != nil {
			return err
		}
		defer func() {
			stopArchive()
			archiver.Stop()
			metrics.ReportArchive(logger.GetLogger(), archiver.Stats())
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	g.Go(func() error {
		for _, id := range instruments {
			if err := d.AddInstrument(gctx, id); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				log.WithInstrument(id).WithError(err).Warn("failed to add instrument")
			}
		}
		return nil
	})

	g.Go(func() error {
		if err := term.Run(gctx); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return errQuit
	})

	if addr := cfg.Metrics.PrometheusAddress; addr != "" {
		exporter := metrics.NewPrometheusExporter()
		defer exporter.Close()
		g.Go(func() error {
			if err := exporter.Serve(gctx, addr); err != nil {
				log.WithError(err).WithField("address", addr).Warn("prometheus exporter stopped")
			}
			return nil
		})
	}

	metrics.StartInstrumentMetrics(gctx, d.Stats, cfg.Metrics.Interval)
	metrics.StartChannelSizeMetrics(gctx, buffers, cfg.Metrics.Interval)

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}
