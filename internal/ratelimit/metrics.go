package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rlHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"category", "reason"},
	)

	rlBansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "rate_limit_bans_total",
			Help:      "Total number of temporary bans written",
		},
		[]string{"category"},
	)

	rlFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "rate_limit_fail_open_total",
			Help:      "Total number of requests allowed due to Redis unavailability (fail-open)",
		},
		[]string{"component"},
	)

	replayRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "replay_rejected_total",
			Help:      "Total number of duplicate deliveries rejected by the replay guard",
		},
		[]string{"scope"},
	)
)
