// Package domain defines the core domain models for CloudNet nodes.
//
// Domain models are plain values without IO dependencies:
//
//   - HostAndPort: validated, normalized network address
//   - ServiceTask: replicated launch template for game-server processes
//   - NodeIdentity, NodeInfo: cluster member descriptions
//   - Errors: coded error taxonomy shared by every layer
package domain
