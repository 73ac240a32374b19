// Package resource defines the resource model for statusflow: resources with a
// committed status and an optional desired status, plus the per-kind status
// enumerations and transition tables that govern which status changes are legal.
package resource
