// Package api implements the HTTP request gateway. It exposes resources as
// REST documents whose status field is changed with PATCH or an explicit
// change-request POST, maps engine errors to the wire taxonomy, and serves
// the health and metrics endpoints.
package api
