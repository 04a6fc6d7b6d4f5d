/*
main.go - Application entry point

PURPOSE:
  Starts the contravention engine HTTP server and exposes the batch
  maintenance operations as subcommands.

COMMANDS:
  serve                     HTTP API, fiscal-year scheduler, notifications
  reset-fiscal-year         Archive and zero point records for a closed year
  recalculate-escalations   Re-derive tiers after a policy change
  sync-points               Compare ledgers with contravention points
  load-catalog              Upsert contravention types and training courses

CONFIGURATION:
  --config, then CONTRAVENTION_CONFIG, then ./config.yaml. Every key can be
  overridden with a CONTRAVENTION_* environment variable (see config/).

EXAMPLES:
  # Run with in-memory database
  CONTRAVENTION_DATABASE_PATH=":memory:" ./server serve

  # Close fiscal year 2025 from cron
  ./server reset-fiscal-year --fiscal-year 2025

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

func main() {
	Execute()
}
