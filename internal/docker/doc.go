// Package docker provides Docker Engine API wrappers for managing swarm
// secrets, configs and the services that reference them.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (DOCKER_HOST, tcp:// hosts with the default 2375 port, system,
//     rootless and Docker Desktop sockets, the Windows named pipe)
//   - Label management for marking managed objects, content hashes and
//     temporary rollout copies
//   - Secret and config lifecycle operations: list, inspect, create, remove
//   - Service reference discovery, repointing and convergence polling
//   - Swarm membership: info, init, join, leave, node listing
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
// Everything above the SDK talks to the narrow SwarmAPI interface so that
// tests can substitute the in-memory daemon from internal/docker/dockertest.
package docker
