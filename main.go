package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"

	"waypoint.live/server"
)

//go:embed html/*
var html embed.FS

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	address := flag.String("address", env("ADDRESS", ":3000"), "address to listen on")
	shareURL := flag.String("url", env("URL", ""), "public url of this server")
	qr := flag.Bool("qr", false, "print a join qr code on startup")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the hub
	srv := server.New(log)
	go srv.Run(ctx)

	// serve the html directory by default
	htmlContent, err := fs.Sub(html, "html")
	if err != nil {
		log.Fatal().Err(err).Msg("missing embedded html")
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(htmlContent)))
	mux.HandleFunc("/events", server.EventsHandler(srv))
	mux.HandleFunc("/sessions", server.SessionsHandler(srv))

	if *qr {
		u := *shareURL
		if u == "" {
			u = "http://localhost" + *address
		}
		qrterminal.GenerateHalfBlock(u, qrterminal.L, os.Stdout)
	}

	hs := &http.Server{Addr: *address, Handler: server.WithCors(mux)}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()

	log.Info().Str("address", *address).Msg("listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
