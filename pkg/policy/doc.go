// Package policy implements Rego-based transition guards: policies that veto
// status changes the transition table alone cannot express, evaluated with
// Open Policy Agent against the change request context.
package policy
