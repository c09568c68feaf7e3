// Package confloader loads node configuration with koanf.
//
// Priority (highest to lowest):
//
//  1. Overrides (command-line flags)
//  2. Environment variables, CLOUDNET_<SECTION>__<KEY>
//  3. The YAML configuration file
//  4. Values already present in the target struct
//
// Watcher reports edits of the configuration file through fsnotify so that
// runtime-adjustable settings can be applied without a restart.
package confloader
