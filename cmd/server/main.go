package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"turtlecraft.ai/internal/persistence/docstore"
	persistlog "turtlecraft.ai/internal/persistence/log"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/planner"
	"turtlecraft.ai/internal/sim/plots"
	"turtlecraft.ai/internal/sim/tuning"
	"turtlecraft.ai/internal/transport/httpapi"
	"turtlecraft.ai/internal/transport/mqttpub"
	"turtlecraft.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8000", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		dbPath     = flag.String("db", "", "document store path (default: <data>/turtlecraft.sqlite)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (missing file: defaults)")
		macroFile  = flag.String("macro_file", "./main.lua", "robot program served at /luafile")
		journalDir = flag.String("journal", "", "dispatch journal directory (default: <data>/journal, \"off\" disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	env, err := loadEnv(logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}

	dbp := strings.TrimSpace(*dbPath)
	if dbp == "" {
		dbp = filepath.Join(*dataDir, "turtlecraft.sqlite")
	}
	store, err := docstore.Open(dbp, docstore.Options{MaxAttempts: env.StoreMaxAttempts, Logger: logger})
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	plotColl := store.Collection(plots.CollectionName)
	if err := plots.EnsureIndexes(ctx, plotColl); err != nil {
		logger.Fatalf("plot indexes: %v", err)
	}
	alloc := plots.NewAllocator(plotColl, plots.LayoutFromTuning(tune.Mining), planner.Planner{Legacy: tune.LegacyPaths}, logger)
	disp, err := dispatch.NewDispatcher(tune, alloc)
	if err != nil {
		logger.Fatalf("dispatcher: %v", err)
	}

	var sinks dispatch.Sinks

	var journal *persistlog.Journal
	switch jd := strings.TrimSpace(*journalDir); jd {
	case "off":
		logger.Printf("dispatch journal disabled")
	case "":
		journal = persistlog.NewJournal(filepath.Join(*dataDir, "journal"), 0, logger)
	default:
		journal = persistlog.NewJournal(jd, 0, logger)
	}
	if journal != nil {
		defer journal.Close()
		sinks = append(sinks, journal)
	}

	obsSrv := observer.NewServer(logger)
	sinks = append(sinks, obsSrv)

	var mqttPub *mqttpub.Publisher
	if env.MQTT.BrokerURL != "" {
		mqttPub, err = mqttpub.Dial(env.MQTT, logger)
		if err != nil {
			// Telemetry is optional; robots keep working without it.
			logger.Printf("mqtt disabled: %v", err)
			mqttPub = nil
		} else {
			defer mqttPub.Close()
			sinks = append(sinks, mqttPub)
		}
	}

	svc := dispatch.NewService(store.Collection(dispatch.CollectionName), disp, sinks, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsSources{
		service:  svc,
		plots:    alloc,
		observer: obsSrv,
		journal:  journal,
		mqtt:     mqttPub,
	}.handler())

	if env.EnableAdminHTTP {
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (TC_ENABLE_ADMIN_HTTP=false)")
	}
	if getEnvBool("TC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.Handle("/", httpapi.NewRouter(httpapi.Config{
		Turtles:   svc,
		Plots:     alloc,
		MacroFile: *macroFile,
		Admin:     env.EnableAdminHTTP,
		Logger:    logger,
	}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Sinks and the store are closed by the defers above, so main must not
	// return before in-flight polls have finished.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx2); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s (store=%s legacy_paths=%v)", *addr, dbp, tune.LegacyPaths)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-drained
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
