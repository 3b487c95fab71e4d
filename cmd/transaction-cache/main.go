package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	txcache "github.com/always-cache/transaction-cache"
	"github.com/always-cache/transaction-cache/pkg/entrystore"
)

var (
	// CLI flags
	portFlag           int
	adminPortFlag      int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	configFileFlag     string
	disableFlag        bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 0, "Port for metrics and cache management (disabled if 0)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory store)")
	flag.StringVar(&configFileFlag, "config", "", "Config file (YAML)")
	flag.BoolVar(&disableFlag, "disable", false, "Start with caching disabled (network-only)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := configFromFlags()
	if configFileFlag != "" {
		fileConfig, err := getConfig(configFileFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
		config = config.merge(fileConfig)
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	cache := txcache.New(txcache.Config{
		OpenStore: func() (entrystore.Store, error) {
			if config.DB == "memory" {
				return entrystore.NewMemory(entrystore.MemoryConfig{}), nil
			}
			return entrystore.NewSQLite(config.DB), nil
		},
		Logger: &log.Logger,
	})
	if disableFlag {
		cache.SetMode(txcache.ModeDisable)
	}

	handler := txcache.NewHandler(txcache.HandlerConfig{
		Cache:      cache,
		OriginURL:  *originURL,
		OriginHost: config.Host,
	})

	if adminPortFlag != 0 {
		go serveAdmin(adminPortFlag, cache)
	}

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, originURL.String(), config.Host)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), handler); err != nil {
		panic(err)
	}
}

// serveAdmin exposes metrics and cache management on a separate port, so
// the proxied origin namespace stays untouched.
func serveAdmin(port int, cache *txcache.Cache) {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		u, err := url.Parse(target)
		if err != nil || target == "" {
			http.Error(w, "missing or invalid url parameter", http.StatusBadRequest)
			return
		}
		if err := cache.Doom(r.Context(), u); err != nil {
			log.Error().Err(err).Str("url", target).Msg("Could not doom entry")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		log.Error().Err(err).Msg("Admin server stopped")
	}
}

func configFromFlags() Config {
	config := Config{
		Origin: originFlag,
		Host:   hostFlag,
		DB:     dbFilenameFlag,
	}
	if config.Origin == "" && addrFlag != "" {
		config.Origin = "https://" + addrFlag
	}
	return config
}
