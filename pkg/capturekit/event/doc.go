// Package event defines the records that flow through the capture pipeline.
//
// # Envelope
//
// An Envelope is the finished event handed to delivery: a name, a property
// bag, and optional person-property updates ($set / $set_once). Envelopes
// are created once per capture call and are never mutated after hand-off.
//
// # Properties
//
// Properties is a string-keyed bag of dynamically typed values. Values may
// nest maps and slices, and because Go maps are references a caller can
// build a bag that contains itself:
//
//	props := event.Properties{}
//	props["recurse"] = props
//
// Nothing in the pipeline recurses blindly. Clone preserves sharing and
// cycles, TruncateStrings visits each container once, and Normalize (used
// by MarshalJSON) cuts a cycle at the point it closes, replacing it with
// null. Values JSON cannot represent (funcs, channels, NaN) are dropped at
// that boundary rather than failing the whole envelope.
package event
