// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_webhook_deliveries_total",
		Help: "Run-conclusion webhook deliveries by outcome",
	}, []string{"outcome"}) // outcome=success|failure|rejected|rate_limited

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_store_errors_total",
		Help: "State store operation failures by operation",
	}, []string{"op"})
)

func IncWebhookDelivery(outcome string) { webhookDeliveries.WithLabelValues(outcome).Inc() }
func IncStoreError(op string)           { storeErrors.WithLabelValues(op).Inc() }
