package policy

// Built-in policy names.
const (
	BuiltinEndpointTransport   = "endpoint-transport"
	BuiltinPHIMinimumNecessary = "phi-minimum-necessary"
	BuiltinPayloadSize         = "payload-size"
)

// MaxPayloadBytes is the largest request body the payload-size policy allows.
const MaxPayloadBytes = 256 * 1024

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		endpointTransportPolicy(),
		phiMinimumNecessaryPolicy(),
		payloadSizePolicy(),
	}
}

// endpointTransportPolicy denies plain http outside development.
func endpointTransportPolicy() Policy {
	return Policy{
		Name:        BuiltinEndpointTransport,
		Description: "Activity endpoints must use https outside development",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"transport", "security"},
		Rego: `package careflow.policies.transport

import rego.v1

deny contains violation if {
	input.endpoint.scheme != "https"
	input.environment != "development"
	violation := {
		"message": sprintf("activity %s calls %s over %s outside development", [input.activity.name, input.endpoint.url, input.endpoint.scheme]),
		"details": {"scheme": input.endpoint.scheme, "environment": input.environment},
	}
}
`,
	}
}

// phiMinimumNecessaryPolicy keeps direct identifiers out of request bodies
// unless the activity opts in.
func phiMinimumNecessaryPolicy() Policy {
	return Policy{
		Name:        BuiltinPHIMinimumNecessary,
		Description: "Direct patient identifiers require configuration phi = allowed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"phi", "privacy"},
		Rego: `package careflow.policies.phi

import rego.v1

restricted := {
	"ssn",
	"social_security_number",
	"drivers_license",
	"passport_number",
	"medicare_beneficiary_id",
}

# async/phi = 'allowed' opts in the whole call.
activity_allowed if input.configuration.async.phi == "allowed"

# input[<name>]/phi = 'allowed' opts in a single field.
field_allowed(name) if input.configuration[sprintf("input/%s", [name])].phi == "allowed"

deny contains violation if {
	some name, _ in input.inputs
	lower(name) in restricted
	not activity_allowed
	not field_allowed(name)
	violation := {
		"message": sprintf("activity %s sends restricted identifier %s without phi = allowed", [input.activity.name, name]),
		"details": {"field": name},
	}
}
`,
	}
}

// payloadSizePolicy caps the request body size.
func payloadSizePolicy() Policy {
	return Policy{
		Name:        BuiltinPayloadSize,
		Description: "Activity request bodies are limited to 256 KiB",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package careflow.policies.payload

import rego.v1

max_bytes := 262144

deny contains violation if {
	input.payload_bytes > max_bytes
	violation := {
		"message": sprintf("activity %s sends %d bytes, limit is %d", [input.activity.name, input.payload_bytes, max_bytes]),
		"details": {"payload_bytes": input.payload_bytes, "limit": max_bytes},
	}
}
`,
	}
}
