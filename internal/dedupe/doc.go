// Package dedupe drops transport events that are delivered more than once
// within a configurable window, such as Matrix sync redeliveries.
package dedupe
