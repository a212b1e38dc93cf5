/**
 * SIP conference focus with client-side state mirroring.
 * Copyright (C) 2026 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dlintw/goconf"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	conference "github.com/strukturag/sip-conference-focus"
)

var (
	version = "unreleased"

	configFlag = flag.String("config", "focus.conf", "config file to use")

	showVersion = flag.Bool("version", false, "show version and quit")
)

const (
	defaultReadTimeout  = 15
	defaultWriteTimeout = 30

	shutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sip-conference-focus version %s/%s\n", version, runtime.Version())
		os.Exit(0)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	signal.Notify(sigChan, syscall.SIGTERM)

	fmt.Printf("Starting up version %s/%s as pid %d\n", version, runtime.Version(), os.Getpid())

	config, err := goconf.ReadConfigFile(*configFlag)
	if err != nil {
		fmt.Printf("Could not read configuration: %s\n", err)
		os.Exit(1)
	}

	var logConfig zap.Config
	if debug, _ := config.GetBool("app", "debug"); debug {
		logConfig = zap.NewDevelopmentConfig()
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	log, err := logConfig.Build(
		// Only log stack traces when panicing.
		zap.AddStacktrace(zap.DPanicLevel),
	)
	if err != nil {
		fmt.Printf("Could not create logger: %s\n", err)
		os.Exit(1)
	}

	restoreGlobalLogs := zap.ReplaceGlobals(log)
	defer restoreGlobalLogs()

	conference.RegisterStats()

	focusConfig, err := conference.NewFocusConfig(config)
	if err != nil {
		log.Fatal("Could not load focus configuration",
			zap.Error(err),
		)
	}

	events, err := conference.NewAsyncEvents(log, focusConfig.EventsUrl)
	if err != nil {
		log.Fatal("Could not create async events client",
			zap.Error(err),
		)
	}
	defer events.Close()

	transport, err := conference.NewSipEventTransport(log, focusConfig, "sip:"+focusConfig.Domain)
	if err != nil {
		log.Fatal("Could not create SIP transport",
			zap.Error(err),
		)
	}
	defer transport.Close()

	focus := conference.NewFocus(log, focusConfig, events, transport)
	defer focus.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		log.Info("Listening for SIP traffic",
			zap.String("address", focusConfig.ListenAddress),
		)
		if err := transport.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("Could not serve SIP traffic",
				zap.Error(err),
			)
		}
	}()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if debug, _ := config.GetBool("app", "debug"); debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	var httpServer *http.Server
	if addr, _ := conference.GetStringOptionWithEnv(config, "http", "listen"); addr != "" {
		readTimeout, _ := config.GetInt("http", "readtimeout")
		if readTimeout <= 0 {
			readTimeout = defaultReadTimeout
		}
		writeTimeout, _ := config.GetInt("http", "writetimeout")
		if writeTimeout <= 0 {
			writeTimeout = defaultWriteTimeout
		}

		httpServer = &http.Server{
			Handler:      r,
			Addr:         addr,
			ReadTimeout:  time.Duration(readTimeout) * time.Second,
			WriteTimeout: time.Duration(writeTimeout) * time.Second,
		}
		go func() {
			log.Info("Listening for HTTP requests",
				zap.String("address", addr),
			)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Could not serve HTTP requests",
					zap.Error(err),
				)
			}
		}()
	}

	for sig := range sigChan {
		log.Info("Received signal, shutting down",
			zap.Stringer("signal", sig),
		)
		break
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down HTTP server",
				zap.Error(err),
			)
		}
	}
}
