// Package metrics exports parser statistics to the default Prometheus
// registry.
package metrics

import (
	"io"
	"strings"
	"time"

	"github.com/docker/go-metrics"
	"github.com/moby/tarstream/pkg/tarstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "tarstream"

var (
	entriesCounter        metrics.LabeledCounter
	ignoredEntriesCounter metrics.LabeledCounter
	warningsCounter       metrics.LabeledCounter
	archivesCounter       metrics.LabeledCounter
	entryBytesCounter     metrics.Counter
	parseTimer            metrics.Timer
)

func init() {
	ns := metrics.NewNamespace(namespace, "parser", nil)
	entriesCounter = ns.NewLabeledCounter("entries", "The number of entries emitted, by entry type", "type")
	ignoredEntriesCounter = ns.NewLabeledCounter("ignored_entries", "The number of entries skipped by a filter or for an unsupported type", "type")
	warningsCounter = ns.NewLabeledCounter("warnings", "The number of warnings raised, by warning code", "code")
	archivesCounter = ns.NewLabeledCounter("archives", "The number of archives parsed, by result", "result")
	for _, r := range []string{"ok", "failed"} {
		archivesCounter.WithValues(r).Inc(0)
	}
	entryBytesCounter = ns.NewCounter("entry_bytes", "The number of body bytes declared by emitted entries")
	parseTimer = ns.NewTimer("parse", "The number of seconds from the start of a parse to its end or failure")
	metrics.Register(ns)
}

// Observe records the events of p until the returned function is called.
// It does not consume entry bodies.
func Observe(p *tarstream.Parser) (stop func()) {
	start := time.Now()
	return p.Subscribe(func(ev tarstream.Event) {
		switch ev := ev.(type) {
		case tarstream.EntryEvent:
			entriesCounter.WithValues(ev.Entry.Type.String()).Inc()
			entryBytesCounter.Inc(float64(ev.Entry.Size))
		case tarstream.IgnoredEntryEvent:
			ignoredEntriesCounter.WithValues(ev.Entry.Type.String()).Inc()
		case tarstream.WarnEvent:
			warningsCounter.WithValues(ev.Warning.TarCode).Inc()
		case tarstream.ErrorEvent:
			if ev.Warning != nil {
				warningsCounter.WithValues(ev.Warning.TarCode).Inc()
			}
			archivesCounter.WithValues("failed").Inc()
			parseTimer.UpdateSince(start)
		case tarstream.EndEvent:
			archivesCounter.WithValues("ok").Inc()
			parseTimer.UpdateSince(start)
		}
	})
}

// WriteText writes the parser metrics in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "failed to write metric %s", mf.GetName())
		}
	}
	return nil
}
