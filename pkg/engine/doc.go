// Package engine provides the core types and components of the careflow
// workflow orchestration engine.
//
// # Overview
//
// careflow turns external signals into tracked, auditable sequences of
// activity calls defined by declarative plans:
//
//  1. Signal - a webhook, a timer tick or a resource change arrives
//  2. Dispatch - the TriggerRegistry resolves it to an EventDefinition and a plan
//  3. Root task - the TaskManager writes the workflow's root Task and its first Provenance record
//  4. Activities - one child Task per declared activity, run in declaration order
//  5. Execution - the ActivityExecutor resolves inputs and performs the HTTP call
//  6. Outcome - the TaskManager records completion or failure; the Coordinator may retry
//
// # Core Domain Types
//
//   - EventDefinition: a named trigger bound to plans
//   - Trigger: a sealed sum type (NamedEventTrigger, PeriodicTrigger, DataChangedTrigger)
//   - PlanDefinition, ActivityDefinition: the declarative contract consumed from the plan loader
//   - Task: the persisted record of one unit of work, linked to its parent by PartOf
//   - Provenance: an immutable audit record of one change to a Task
//   - ExecutionContext: the per-workflow data available to input resolution
//
// # Task State Machine
//
//	requested -> in-progress -> completed | failed | stopped | on-hold | cancelled
//	on-hold   -> in-progress | cancelled
//	requested -> cancelled
//
// Every status change is written together with exactly one Provenance record,
// so a task's status can always be rebuilt from its latest record. Updates
// that arrive after a task reached a terminal status are ignored.
//
// # Error Classification
//
// Errors carry a class for retry decisions and a taxonomy code for callers:
//
//   - VALIDATION_FAILED: incomplete or invalid activity configuration
//   - INVALID_ENDPOINT: an endpoint that failed the allow-list checks
//   - NO_PLAN_FOUND: a trigger that no plan claims
//   - ACTIVITY_EXECUTION_FAILED: a failed or timed out outbound call
//   - NOT_FOUND: a missing document store resource
//   - TRANSIENT_STORE_ERROR: a retryable document store failure
//
// Use IsRetryable to decide whether the Coordinator should requeue an event.
package engine
