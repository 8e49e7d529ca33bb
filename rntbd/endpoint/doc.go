/*
Package endpoint ties the transport together.

A Provider hands out one Endpoint per replica address, creating it on first
use. Every endpoint owns a channel pool and its own request metrics, all
endpoints of a provider share one request timer and one frame buffer pool.

Endpoint.Request leases a channel from the pool, sends the request and waits
for the response, the request timeout or a connection failure. The lease is
returned once the request completed.

Endpoints evict themselves from the provider when closed. Endpoints without
requests for IdleEndpointTimeout are closed by a background sweep.

Metrics are kept in a VictoriaMetrics set per endpoint and can be exported in
Prometheus text format with Provider.WriteMetrics:

	rntbd_requests_total{address="10.0.0.4:10250"} 1200
	rntbd_responses_total{address="10.0.0.4:10250"} 1198
	rntbd_request_duration_seconds_bucket{address="10.0.0.4:10250",vmrange="1.000e-03...1.136e-03"} 37
*/
package endpoint
