// Package metrics exports context activity to Prometheus.
//
// Collector is a sync subscriber: register it with SubscribeAll and it
// records commits, versions and reported errors without touching state.
// Handler serves the registry in the Prometheus text format.
package metrics
