package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveFileOp(t *testing.T) {
	m := NewMetrics("test_obs_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	m.ObserveFileOp("upload", nil)
	m.ObserveFileOp("upload", errors.New("boom"))
	m.ObserveFileOp("upload", nil)

	if got := testutil.ToFloat64(m.FileOps.WithLabelValues("upload", "ok")); got != 2 {
		t.Fatalf("upload ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FileOps.WithLabelValues("upload", "error")); got != 1 {
		t.Fatalf("upload error = %v, want 1", got)
	}
}
