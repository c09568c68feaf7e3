// Package buildinfo exposes build-time version information injected via
// ldflags:
//
//	go build -ldflags "-X github.com/iknow13/CloudNet-v3/internal/infra/buildinfo.Version=4.0.0"
package buildinfo
