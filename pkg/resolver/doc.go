// Package resolver turns an activity's dynamic values into the concrete
// endpoint, inputs and configuration of one outbound call.
//
// Each dynamic value pairs a target path with an expression:
//
//	endpoint                     the URL to call
//	async/<property>             call configuration, e.g. async/timeout
//	input[<name>]/value          a request body field
//	input[<name>]/<attribute>    metadata about an input
//	output[<name>]/<attribute>   how to extract an output, e.g. output[ticket]/path
//
// Expressions read from five sources: Context (the acting user), Event (the
// triggering payload), System, Parent (the parent task's outputs) and
// Previous (outputs of completed sibling activities). Three languages are
// supported: text/path (the default, dotted paths and quoted literals),
// text/cue and text/starlark.
//
// Resolution runs in two passes. The first checks paths, expression syntax
// and source availability; the second evaluates. Every problem from both
// passes is returned in a single VALIDATION_FAILED error. The endpoint is then
// normalized and checked against the allow-list, failing with
// INVALID_ENDPOINT.
package resolver
