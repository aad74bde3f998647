/*
Package storage provides the optional durable store for schedule
entries and run history.

The core runs fully in memory; configuring a data directory plugs this
BoltDB-backed collaborator in. Schedule entries persist across restarts
and terminal task results are appended under a monotonic sequence so
history listings read newest first.
*/
package storage
