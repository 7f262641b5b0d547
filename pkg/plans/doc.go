// Package plans loads declarative plan and activity definitions from a
// directory of YAML, JSON or CUE files and serves them to the engine.
//
// A plan file holds a bundle:
//
//	plans:
//	  - id: patient-intake
//	    url: https://careflow.local/plans/patient-intake
//	    name: patient-intake
//	    type: basic
//	    triggers:
//	      - type: named-event
//	        name: patient-intake
//	    actions:
//	      - name: notify-care-team
//	        definitionCanonical: https://careflow.local/activities/notify-care-team
//	activities:
//	  - id: notify-care-team
//	    url: https://careflow.local/activities/notify-care-team
//	    name: notify-care-team
//	    dynamicValue:
//	      - path: endpoint
//	        expression: {expression: "'patients/notify'"}
//
// Every file is checked against a built-in CUE schema and the definitions'
// struct tags. Cross-file references are checked by ValidatePlanHierarchy.
package plans
