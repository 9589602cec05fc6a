// Package guard is the request security middleware for Gin: block list
// enforcement, scanner user agent detection, attack pattern scanning with
// per-client violation escalation, and fixed-window rate limiting.
package guard
