package goAuthClient

import (
	"testing"
	"time"
)

// Every protected call through the gate bumps these two counters.
func BenchmarkMetricsProtectedCallParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricRequestProtected)
			m.Inc(MetricTokenAttached)
		}
	})
}

func BenchmarkMetricsProtectedCallDisabledParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricRequestProtected)
			m.Inc(MetricTokenAttached)
		}
	})
}

// A refresh storm: one caller starts the flight, the rest join it.
func BenchmarkMetricsRefreshStormParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	obs := metricsObserver{m: m}
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for i := 0; pb.Next(); i++ {
			if i%64 == 0 {
				obs.RefreshStarted()
				obs.RefreshSettled(nil, 12*time.Millisecond)
				continue
			}
			obs.RefreshJoined()
		}
	})
}

func BenchmarkMetricsSnapshotUnderLoad(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				m.Inc(MetricTokenAttached)
			}
		}
	}()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = m.Snapshot()
	}

	b.StopTimer()
	close(stop)
	<-done
}
