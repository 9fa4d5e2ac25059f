// Package api exposes the REST surface for submitting briefing runs,
// inspecting their lifecycle, and scraping operational metrics. Responses
// use a uniform JSON envelope; access can be gated by a static token.
package api
