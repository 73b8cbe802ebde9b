package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestNewPusherDisabledWithoutExporter(t *testing.T) {
	if p := NewPusher(PushConfig{}, zap.NewNop()); p != nil {
		t.Fatalf("expected nil pusher, got %T", p)
	}
	if p := NewPusher(PushConfig{Exporter: ExporterRemoteWrite}, zap.NewNop()); p != nil {
		t.Fatalf("expected nil pusher without endpoint, got %T", p)
	}
	if p := NewPusher(PushConfig{Exporter: "statsd", Endpoint: "http://x"}, zap.NewNop()); p != nil {
		t.Fatalf("expected nil pusher for unknown exporter, got %T", p)
	}
	if _, ok := NewPusher(PushConfig{Exporter: ExporterPushgateway, Endpoint: "http://gw:9091"}, nil).(*PushgatewayPusher); !ok {
		t.Fatalf("expected pushgateway pusher")
	}
}

func TestRemoteWritePushesCountersOnly(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetricsForTest(registry)
	m.IncJobRun("renewal")
	m.ObserveJobDuration("renewal", time.Second)

	var (
		gotAuth string
		gotReq  prompb.WriteRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("snappy decode: %v", err)
			return
		}
		if err := proto.Unmarshal(raw, protoadapt.MessageV2Of(&gotReq)); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	pusher.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	if err := pusher.Push(context.Background(), registry); err != nil {
		t.Fatalf("push: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	found := false
	for _, ts := range gotReq.Timeseries {
		for _, label := range ts.Labels {
			if label.Name == "__name__" && label.Value == "tierline_scheduler_job_duration_seconds" {
				t.Fatalf("histograms must not be pushed")
			}
			if label.Name == "__name__" && label.Value == "tierline_scheduler_job_runs_total" {
				found = true
				if len(ts.Samples) != 1 || ts.Samples[0].Value != 1 || ts.Samples[0].Timestamp != 1_700_000_000_000 {
					t.Fatalf("unexpected samples %+v", ts.Samples)
				}
			}
		}
	}
	if !found {
		t.Fatalf("job runs counter not pushed")
	}
}

func TestRemoteWriteReportsRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewSchedulerMetricsForTest(registry).IncJobRun("renewal")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry); err == nil {
		t.Fatalf("expected error on 400")
	}
}
