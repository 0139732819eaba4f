// Package dedupe suppresses redelivered message ids within a bounded window
// so at-least-once transport never dispatches the same frame twice.
package dedupe
