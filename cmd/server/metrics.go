package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	persistlog "turtlecraft.ai/internal/persistence/log"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/transport/mqttpub"
)

type serverMetrics struct {
	Dispatch   dispatch.Stats
	Plots      int64
	PlotsErr   bool
	Observers  int
	ObsDropped uint64
	Journal    persistlog.JournalStats
	MQTT       *mqttpub.Stats
}

type metricsSources struct {
	service *dispatch.Service
	plots   interface {
		Count(context.Context) (int64, error)
	}
	observer interface {
		Observers() int
		Dropped() uint64
	}
	journal *persistlog.Journal
	mqtt    *mqttpub.Publisher
}

func (s metricsSources) collect(ctx context.Context) serverMetrics {
	var m serverMetrics
	m.Dispatch = s.service.Stats()
	if s.plots != nil {
		ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
		n, err := s.plots.Count(ctx2)
		cancel()
		m.Plots, m.PlotsErr = n, err != nil
	}
	if s.observer != nil {
		m.Observers = s.observer.Observers()
		m.ObsDropped = s.observer.Dropped()
	}
	if s.journal != nil {
		m.Journal = s.journal.Stats()
	}
	if s.mqtt != nil {
		st := s.mqtt.Stats()
		m.MQTT = &st
	}
	return m
}

func (s metricsSources) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, s.collect(r.Context()))
	}
}

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, m serverMetrics) {
	counter(w, "turtlecraft_polls_total", "Total robot polls answered or failed.", m.Dispatch.Polls)
	counter(w, "turtlecraft_turtles_registered_total", "Turtles created by a first poll.", m.Dispatch.NewTurtles)
	counter(w, "turtlecraft_dispatches_total", "Successful dispatches.", m.Dispatch.Dispatches)
	counter(w, "turtlecraft_dispatch_errors_total", "Polls that failed to dispatch.", m.Dispatch.DispatchErrors)
	counter(w, "turtlecraft_interrupts_total", "Dispatches preempted by low fuel or a full inventory.", m.Dispatch.Interrupts)

	if !m.PlotsErr {
		fmt.Fprintf(w, "# HELP turtlecraft_plots Mining plots allocated so far.\n")
		fmt.Fprintf(w, "# TYPE turtlecraft_plots gauge\n")
		fmt.Fprintf(w, "turtlecraft_plots %d\n", m.Plots)
	}

	fmt.Fprintf(w, "# HELP turtlecraft_observers Connected observer sessions.\n")
	fmt.Fprintf(w, "# TYPE turtlecraft_observers gauge\n")
	fmt.Fprintf(w, "turtlecraft_observers %d\n", m.Observers)
	counter(w, "turtlecraft_observer_dropped_total", "Events dropped for slow observers.", m.ObsDropped)

	fmt.Fprintf(w, "# HELP turtlecraft_journal_events_total Dispatch journal events by outcome.\n")
	fmt.Fprintf(w, "# TYPE turtlecraft_journal_events_total counter\n")
	fmt.Fprintf(w, "turtlecraft_journal_events_total{outcome=%q} %d\n", "written", m.Journal.Written)
	fmt.Fprintf(w, "turtlecraft_journal_events_total{outcome=%q} %d\n", "dropped", m.Journal.Dropped)
	fmt.Fprintf(w, "turtlecraft_journal_events_total{outcome=%q} %d\n", "failed", m.Journal.Failed)

	if m.MQTT != nil {
		fmt.Fprintf(w, "# HELP turtlecraft_mqtt_messages_total MQTT messages by outcome.\n")
		fmt.Fprintf(w, "# TYPE turtlecraft_mqtt_messages_total counter\n")
		fmt.Fprintf(w, "turtlecraft_mqtt_messages_total{outcome=%q} %d\n", "published", m.MQTT.Published)
		fmt.Fprintf(w, "turtlecraft_mqtt_messages_total{outcome=%q} %d\n", "dropped", m.MQTT.Dropped)
		fmt.Fprintf(w, "turtlecraft_mqtt_messages_total{outcome=%q} %d\n", "failed", m.MQTT.Failed)
	}
}

func counter(w io.Writer, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
