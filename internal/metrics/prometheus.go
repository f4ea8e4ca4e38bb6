package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "duet_rtc_relay_events_total"
	dropsMetric  = "duet_rtc_relay_signal_drops_total"

	// Drop counters share this prefix; the exposition strips it and reports
	// the remainder as the drop reason.
	dropPrefix = "drop_"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as
// two families: room lifecycle and relay events under an `event` label, and
// signal drops under a `reason` label so alerting can key on drop causes
// without enumerating event names.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		var events, drops []string
		for k := range snap {
			if strings.HasPrefix(k, dropPrefix) {
				drops = append(drops, k)
			} else {
				events = append(events, k)
			}
		}
		sort.Strings(events)
		sort.Strings(drops)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		_, _ = fmt.Fprintln(w, "# HELP "+eventsMetric+" Room and relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE "+eventsMetric+" counter")
		for _, k := range events {
			writeSample(w, eventsMetric, "event", k, snap[k])
		}

		_, _ = fmt.Fprintln(w, "# HELP "+dropsMetric+" Signaling envelopes dropped, by reason.")
		_, _ = fmt.Fprintln(w, "# TYPE "+dropsMetric+" counter")
		for _, k := range drops {
			writeSample(w, dropsMetric, "reason", strings.TrimPrefix(k, dropPrefix), snap[k])
		}
	})
}

func writeSample(w io.Writer, metric, label, value string, n uint64) {
	escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(value)
	_, _ = fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", metric, label, escaped, n)
}
