package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Queued.WithLabelValues("POST").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "pantrysync_mutations_queued_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("queued counter not gathered")
	}
}
