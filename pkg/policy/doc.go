// Package policy provides Open Policy Agent (OPA) checks for outbound
// activity calls.
//
// The Engine implements engine.ActivityPolicy. Before an activity executor
// sends a request, every enabled policy's deny set is evaluated against an
// Input document built from the resolved call:
//
//	{
//	  "task_id": "...",
//	  "environment": "production",
//	  "activity": {"id": "...", "url": "...", "name": "..."},
//	  "endpoint": {"url": "...", "scheme": "https", "host": "...", "path": "..."},
//	  "inputs": {...},
//	  "configuration": {"async": {...}, "input/<name>": {...}},
//	  "payload_bytes": 1234
//	}
//
// A deny element is either a message string or an object with message,
// severity and details keys. Violations at error or critical severity deny
// the call with INVALID_ENDPOINT; lower severities are logged as warnings.
//
// # Built-in Policies
//
//   - endpoint-transport: non-https endpoints are denied outside development
//   - phi-minimum-necessary: direct identifiers such as ssn need async/phi or
//     input[<name>]/phi set to 'allowed'
//   - payload-size: request bodies above 256 KiB are denied
//
// # Custom Policies
//
// Custom policies are loaded from .rego files (one policy per file, named
// after the file, default severity warning) and .json files holding either a
// single Policy or a Bundle. Engine.Watch reloads them when files change. A
// reload that fails to compile leaves the current set in place.
//
//	eng, err := policy.NewEngine(logger, policy.WithEnvironment("production"))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, "/etc/careflow/policies"); err != nil {
//	    return err
//	}
//	executor := engine.NewActivityExecutor(..., engine.WithActivityPolicy(eng))
package policy
