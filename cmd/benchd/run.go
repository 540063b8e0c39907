package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/spf13/cobra"

	"github.com/battlab/benchd/acquire"
	"github.com/battlab/benchd/device"
	"github.com/battlab/benchd/monitor"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring daemon with its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sched := monitor.New(cfg.Interval(), log)
	sessions := map[string]*device.Session{}
	for _, dc := range cfg.Devices {
		s, err := dc.session(log)
		if err != nil {
			log.WithError(err).Errorf("device %s unavailable, continuing without it", dc.Name)
			continue
		}
		sessions[dc.Name] = s
		sched.AddDevice(dc.Name, acquire.Meter{S: s})
		log.Infof("%s connected: %s", dc.Name, s.Model)
	}
	if len(sessions) == 0 {
		log.Warn("no devices connected; serving HTTP anyway")
	}

	sched.Start()
	defer func() {
		sched.Stop()
		for name, s := range sessions {
			if err := s.Disconnect(); err != nil {
				log.WithError(err).Warnf("disconnect %s failed", name)
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/monitor", sched.Routes())
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		type info struct {
			Name      string `json:"name"`
			Model     string `json:"model"`
			Connected bool   `json:"connected"`
			Busy      bool   `json:"busy"`
		}
		var out []info
		for _, name := range sched.Devices() {
			s, ok := sessions[name]
			if !ok {
				continue
			}
			out = append(out, info{
				Name:      name,
				Model:     s.Model,
				Connected: s.Connected(),
				Busy:      s.Busy(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	r.Post("/devices/{name}/raw", func(w http.ResponseWriter, req *http.Request) {
		s, ok := sessions[chi.URLParam(req, "name")]
		if !ok {
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}
		var body struct {
			Cmd string `json:"cmd"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := s.Raw(body.Cmd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"resp": resp})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errs := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr)
		errs <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
		srv.Close()
		return nil
	}
}
