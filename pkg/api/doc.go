/*
Package api exposes the scheduler over HTTP and WebSocket.

The REST surface covers lifecycle (/api/system/*), plan and task
discovery, task submission (single and batch), cancellation and
priority changes, active-run and queue visibility, run history, and
schedule entries. Responses carry {"status": "success"|"error"};
validation failures map to 4xx. Run ids contain slashes, so clients
URL-escape them in path parameters.

/ws/events streams every bus event as {"type":"event",...} and taps the
framework logger to forward records as {"type":"log",...}. Writes to a
connection are serialized through a send channel; slow consumers drop
messages instead of stalling the bus. Prometheus metrics are served at
/metrics.
*/
package api
