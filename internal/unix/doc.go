// Package unix provides the platform-specific descriptor primitives the
// prefork transport needs: single-shot non-blocking reads and poll(2)
// readiness waits over a set of pipe descriptors.
package unix
