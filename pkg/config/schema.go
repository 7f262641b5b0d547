package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSource constrains configuration files before they are decoded.
// Definitions are closed, so misspelled keys are rejected.
const schemaSource = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	environment?: "development" | "staging" | "production"

	server?: {
		address?:          string & !=""
		read_timeout?:     #Duration
		write_timeout?:    #Duration
		shutdown_timeout?: #Duration
		max_body_bytes?:   int & >0
	}

	store?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
		busy_timeout?:      #Duration
	}

	store_retry?: {
		max_tries?:        int & >=1
		initial_interval?: #Duration
		max_interval?:     #Duration
	}

	plans?: {
		dir?:         string & !=""
		watch?:       bool
		watch_delay?: #Duration
	}

	policy?: {
		enabled?:  bool
		dir?:      string
		watch?:    bool
		disabled?: [...("endpoint-transport" | "phi-minimum-necessary" | "payload-size")]
	}

	resolver?: {
		base_url?:          string & =~"^https?://"
		allowed_schemes?:   [...("http" | "https")]
		allowed_base_urls?: [...string]
		starlark_timeout?:  #Duration
	}

	executor?: {
		default_timeout?:  #Duration
		retention?:        #Duration
		max_concurrent?:   int & >=0
		max_per_endpoint?: int & >=0
	}

	coordinator?: {
		workers?:         int & >=1
		max_attempts?:    int & >=1
		initial_backoff?: #Duration
		max_backoff?:     #Duration
	}

	nats?: {
		enabled?:         bool
		url?:             string & =~"^(nats|tls|ws|wss)://"
		subject_prefix?:  string & =~"^[A-Za-z0-9_-]+(\\.[A-Za-z0-9_-]+)*$"
		stream?:          string
		event_subject?:   string
		connect_timeout?: #Duration
	}

	telemetry?: {...}
}
`

// schema holds the compiled #Config definition.
type schema struct {
	ctx *cue.Context
	def cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(schemaSource, cue.Filename("config-schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #Config: %w", err)
	}
	return &schema{ctx: ctx, def: def}, nil
}

// unify checks val against #Config and returns the unified value as JSON.
func (s *schema) unify(val cue.Value) ([]byte, error) {
	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	return unified.MarshalJSON()
}
