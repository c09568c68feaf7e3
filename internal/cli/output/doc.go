// Package output renders command results for cloudnet-node.
//
// Results are printed as an aligned table, JSON or YAML. Values that know
// their own tabular form implement Tabular; everything else falls back to
// JSON in table mode.
package output
