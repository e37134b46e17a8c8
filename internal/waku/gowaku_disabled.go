//go:build !real_waku

package waku

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

func newGoWakuBackend(_ *slog.Logger, _ prometheus.Registerer) goWakuBackend {
	return nil
}
