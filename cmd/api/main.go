// Package main: blocksub API service.
//
// The service proxies blockchain lookups, keeps their popularity counters, authenticates users and relays upstream
// notifications to WebSocket clients. Run with -c to read a JSON config file and -m to serve Prometheus metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/api"
	"github.com/tarancss/blocksub/lib/auth"
	"github.com/tarancss/blocksub/lib/block"
	"github.com/tarancss/blocksub/lib/block/blockcypher"
	"github.com/tarancss/blocksub/lib/cache"
	"github.com/tarancss/blocksub/lib/config"
	"github.com/tarancss/blocksub/lib/logging"
	"github.com/tarancss/blocksub/lib/msg"
	"github.com/tarancss/blocksub/lib/msg/amqp"
	wsfeed "github.com/tarancss/blocksub/lib/msg/blockcypher"
	"github.com/tarancss/blocksub/lib/store/db"
)

const lookupTimeout = 15 * time.Second

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.Init(conf.LogLevel, conf.LogFormat)
	log.Infof("Configuration:%s", conf)

	ctx := context.Background()

	// connect to database
	dbConn, err := db.New(ctx, conf.DbType, conf.DbConn, conf.DbName)
	if err != nil {
		log.Fatalf("Cannot connect to %s database: %v", conf.DbType, err)
	}

	log.WithField("type", conf.DbType).Info("Connected to database")

	// blockchain lookups, cached when a redis url is configured
	var info block.Info = blockcypher.New(conf.BcBaseURL, conf.BcAPIKey, lookupTimeout)

	if conf.CacheConn != "" {
		client, errCache := cache.Connect(ctx, conf.CacheConn)
		if errCache != nil {
			log.Fatalf("Cannot connect to cache: %v", errCache)
		}

		info = cache.New(info, client, conf.CacheTTL)
		log.Info("Blockchain lookups cached")
	}

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Infof("Serving metrics API on :%s", conf.MetricsPort)

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			if errMon := http.ListenAndServe(":"+conf.MetricsPort, h); errMon != nil { //nolint:gosec // internal port
				log.WithError(errMon).Error("Metrics server stopped")
			}
		}()
	}

	// connect to the upstream notification feed
	var feed msg.Feed

	switch conf.FeedType {
	case "amqp":
		feed, err = amqp.New(ctx, conf.MbConn, conf.FeedNet)
	default:
		feed, err = wsfeed.Dial(ctx, conf.BcSocketURL, conf.BcAPIKey, conf.PingInterval)
	}

	if err != nil {
		log.Fatalf("Cannot connect to %s feed: %v", conf.FeedType, err)
	}

	// create API service
	s := api.New(dbConn, info, feed, auth.NewTokens(conf.JWTSecret, conf.JWTExpiry))

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Program killed !")
		// do last actions and wait for all write operations to end
		s.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Infof("API: %s", s.Init(conf.RestfulEndpoint, conf.Port))

	<-finish
}
