package rnnt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	computeCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transducer_compute_calls_total",
		Help: "Total number of loss computation calls",
	})

	computeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transducer_compute_failures_total",
		Help: "Total number of failed loss computation calls by status",
	}, []string{"status"})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transducer_compute_duration_seconds",
		Help:    "Time spent per loss computation call",
		Buckets: prometheus.DefBuckets,
	})

	examplesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transducer_examples_total",
		Help: "Total number of minibatch examples processed",
	})

	infiniteCosts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transducer_infinite_costs_total",
		Help: "Examples whose label sequence had no valid alignment",
	})

	consistencyWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transducer_consistency_warnings_total",
		Help: "Forward/backward log-likelihood disagreements beyond tolerance",
	})
)
