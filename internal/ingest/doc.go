// Package ingest is the business boundary of the alert pipeline. It defines
// the Store interface (insert-if-absent persistence), the Coordinator that
// runs one fetch/insert/match pass, and the Service that serializes passes,
// prunes expired records, and hands matched alerts to a Dispatcher.
package ingest
