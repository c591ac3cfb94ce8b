// Package pagination provides transparent aggregation of paginated Intra
// endpoints.
//
// The Intra API announces pagination through the Link response header; the
// "last" relation's page query parameter carries the total page count. This
// package parses those link relations and fans out concurrent fetches for
// pages 2..last, concatenating results in ascending page order.
//
// Example usage:
//
//	agg := pagination.NewAggregator(client, pagination.WithPerPage(100))
//	body, err := agg.GetAll(ctx, "/campus")
//
// The aggregator:
//   - Fetches page 1 to discover the total page count
//   - Returns page 1's body verbatim when no "last" relation exists
//   - Fetches remaining pages concurrently, one retry state per page
//   - Fails the whole call when any page fails terminally
package pagination
