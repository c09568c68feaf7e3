// Package config defines the node configuration structure.
//
// NodeConfig is filled by confloader over Default() and checked by Verify
// before any component is built. Relative task and database directories
// are resolved against node.data_dir.
package config
