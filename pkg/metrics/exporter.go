package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/downfa11-org/segstore/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(LockWaitSeconds, LockConflicts)
	prometheus.MustRegister(RecordsAppended, BytesAppended, AppendRollbacks)
	prometheus.MustRegister(Repacks, Conversions, FsckResults, FreedBytes, PooledReaders)
}

func StartMetricsServer(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		util.Info("Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			util.Error("failed to start metrics server: %v", err)
		}
	}()
}

// ObserveLockWait records how long a blocking lock request took.
func ObserveLockWait(start time.Time) {
	LockWaitSeconds.Observe(time.Since(start).Seconds())
}

// ObserveAppend records a committed append transaction.
func ObserveAppend(records int, bytes uint64) {
	RecordsAppended.Add(float64(records))
	BytesAppended.Add(float64(bytes))
}

// ObserveFsck counts one check outcome under each of its flags. The state
// string is the comma separated flag list.
func ObserveFsck(state string) {
	for _, flag := range strings.Split(state, ",") {
		FsckResults.WithLabelValues(flag).Inc()
	}
}
