// Package controller provides the HTTP client for the pool controller's
// request/response API. It is the fallback path for issuing commands when
// the live channel is down, and the source of on-demand state snapshots.
package controller
