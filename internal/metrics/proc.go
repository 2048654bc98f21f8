// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_proc_terminate_total",
		Help: "Process group termination signals by signal and outcome",
	}, []string{"signal", "outcome"}) // outcome=sent|esrch|error

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_proc_wait_total",
		Help: "Process wait results after termination",
	}, []string{"outcome"}) // outcome=exit0|exit_nonzero|forced_exit0|forced_error
)

func IncProcTerminate(signal, outcome string) {
	procTerminateTotal.WithLabelValues(signal, outcome).Inc()
}

func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}
