package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_relay_poll_cycles_total",
		Help: "Relay history poll cycles attempted.",
	})
	relayPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_relay_poll_failures_total",
		Help: "Relay history poll cycles skipped due to fetch or parse errors.",
	})
	inboxPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_inbox_poll_cycles_total",
		Help: "Inbox poll cycles attempted.",
	})
	inboxPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_inbox_poll_failures_total",
		Help: "Inbox poll cycles skipped due to fetch or parse errors.",
	})
	messagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_messages_merged_total",
		Help: "Messages inserted into the store across all sources.",
	})
)
