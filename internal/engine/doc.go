// Package engine is the task lifecycle state machine of one partition.
//
// The Processor applies one command at a time against the task store and
// produces exactly one follow-up record, either the accepted event or a
// <X>_REJECTED record. It reads time only from the command's log timestamp,
// so applying the same log to an empty store always yields the same store and
// the same follow-ups.
//
// The Loop drives the Processor from the log, appends follow-ups, and hands
// side effects to the response, push, and matching collaborators.
package engine
