// Package crawler holds the request/response and collaborator contracts shared
// by the feed, fetcher, gate, and orchestrator packages.
package crawler
