package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndIncrement(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	if err := c.Register(reg); err != nil {
		t.Fatal(err)
	}

	c.BytesSent.Add(1024)
	c.PeersOnline.Set(3)

	if got := testutil.ToFloat64(c.BytesSent); got != 1024 {
		t.Fatalf("BytesSent = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(c.PeersOnline); got != 3 {
		t.Fatalf("PeersOnline = %v, want 3", got)
	}
}
