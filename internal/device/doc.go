// Package device defines the radio transport contract used by the scan
// daemon and the battery job.
//
// It covers three primitives:
//   - bounded discovery windows exposed as a lazy advertisement sequence
//   - connect-and-read of the GATT Battery Level characteristic
//   - adapter reset
//
// Transport failures are reported as *TransportError values classified as
// timeout, connect failure or protocol error so callers can decide whether
// to retry without inspecting library-specific messages.
package device
