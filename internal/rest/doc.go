// Package rest is a rate-limit-aware REST client.
//
// Requests are grouped into buckets by RouteSignature. Each bucket drains its
// queue in enqueue order with at most one request on the wire, using the
// limits the server reports in X-RateLimit-* headers. A global limit pauses
// every bucket. 429s are retried transparently (bounded by a loop guard),
// 5xx and transport failures are retried with exponential backoff, and other
// 4xx responses fail immediately with *ClientError.
package rest
