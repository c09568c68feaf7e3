// Package task provides the replicated service task registry of a node.
//
// Tasks are cached in memory and stored as one JSON file per task in the
// task directory. Local changes publish cancellable events and are
// announced to the other nodes on the internal message channel; a node that
// connects later receives every task through the data sync handler. Remote
// changes are applied with the silent operations, which touch only the
// cache and the files, so a change is never announced twice.
package task
