/*
Package log provides structured logging for Aura using zerolog.

The package exposes a global Logger configured once at startup via Init,
plus child-logger helpers (WithComponent, WithPlan, WithRun) that attach
standard fields. Output is human-readable console format by default or
JSON when configured.

Taps registered with AddTap receive every JSON record regardless of the
console format; the API server uses a tap to stream framework logs over
the /ws/events WebSocket.
*/
package log
