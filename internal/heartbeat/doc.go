// Package heartbeat tracks the liveness of remote agents.
//
// A Monitor schedules one heartbeat cycle per agent, probes the agent through a
// caller supplied Transport, and folds the outcome into a Store. The polling
// interval adapts to the observed success rate and backs off on consecutive
// failures; failures within the retry budget are retried with exponential
// backoff. Every state change is published as a typed event on a Notifier, and a
// Reclaimer removes records of agents that are no longer monitored.
package heartbeat
