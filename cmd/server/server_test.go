package main

import (
	"bytes"
	"io"
	"log"
	"strings"
	"testing"

	persistlog "turtlecraft.ai/internal/persistence/log"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/transport/mqttpub"
)

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	writeMetrics(&buf, serverMetrics{
		Dispatch:  dispatch.Stats{Polls: 7, DispatchErrors: 1, Interrupts: 2},
		Plots:     3,
		Observers: 1,
		Journal:   persistlog.JournalStats{Written: 6, Dropped: 1},
	})
	out := buf.String()
	for _, want := range []string{
		"# TYPE turtlecraft_polls_total counter\nturtlecraft_polls_total 7\n",
		"turtlecraft_dispatch_errors_total 1\n",
		"turtlecraft_interrupts_total 2\n",
		"turtlecraft_plots 3\n",
		"turtlecraft_observers 1\n",
		`turtlecraft_journal_events_total{outcome="written"} 6`,
		`turtlecraft_journal_events_total{outcome="dropped"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "turtlecraft_mqtt_") {
		t.Fatalf("mqtt metrics should be absent without a publisher")
	}

	buf.Reset()
	writeMetrics(&buf, serverMetrics{PlotsErr: true, MQTT: &mqttpub.Stats{Published: 4}})
	out = buf.String()
	if strings.Contains(out, "turtlecraft_plots ") {
		t.Fatalf("plot gauge should be skipped when the count failed")
	}
	if !strings.Contains(out, `turtlecraft_mqtt_messages_total{outcome="published"} 4`) {
		t.Fatalf("mqtt metrics missing:\n%s", out)
	}
}

func TestEnvConfig(t *testing.T) {
	t.Setenv("DEPLOY_ENV", "production")
	t.Setenv("TC_STORE_MAX_ATTEMPTS", "6")
	t.Setenv("TC_MQTT_BROKER_URL", "tcp://localhost:1883")
	t.Setenv("TC_MQTT_QOS", "0")

	cfg, err := loadEnv(discard())
	if err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if cfg.EnableAdminHTTP {
		t.Fatalf("admin should default off in production")
	}
	if cfg.StoreMaxAttempts != 6 || cfg.MQTT.QoS != 0 || cfg.MQTT.TopicPrefix != "turtlecraft" {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("TC_ENABLE_ADMIN_HTTP", "true")
	t.Setenv("TC_MQTT_BROKER_URL", "localhost:1883")
	cfg, err = loadEnv(discard())
	if err == nil {
		t.Fatalf("broker url without scheme should be rejected")
	}
	if !cfg.EnableAdminHTTP {
		t.Fatalf("explicit TC_ENABLE_ADMIN_HTTP should win over DEPLOY_ENV")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TC_X_INT", "nope")
	t.Setenv("TC_X_BOOL", "maybe")
	if got := getEnvInt("TC_X_INT", 5); got != 5 {
		t.Fatalf("getEnvInt fallback = %d", got)
	}
	if got := getEnvBool("TC_X_BOOL", true); !got {
		t.Fatalf("getEnvBool fallback = %v", got)
	}
	if got := getEnvString("TC_X_UNSET", "d"); got != "d" {
		t.Fatalf("getEnvString fallback = %q", got)
	}
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }
