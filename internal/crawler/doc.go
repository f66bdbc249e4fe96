// Package crawler holds the domain model of the discovery pipeline: sources,
// fetch results, extracted documents, subject buckets, persisted contests,
// telemetry counters and review tickets, plus the interfaces and error
// taxonomy shared by the fetcher, adapters, orchestrator and stores.
package crawler
