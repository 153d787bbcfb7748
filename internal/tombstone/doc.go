// Package tombstone keeps a short-lived record of retired keys, such as
// controller request ids that timed out or were abandoned, so that a message
// arriving for one of them afterwards can be recognised as late rather than
// unknown.
package tombstone
