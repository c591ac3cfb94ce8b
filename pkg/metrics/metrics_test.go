package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_IsDefaultRegisterer(t *testing.T) {
	if Registry == nil {
		t.Fatal("Registry is nil")
	}
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer so promauto-registered metrics land in it")
	}
}
