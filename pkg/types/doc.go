/*
Package types defines the domain model shared by every Roost package.

The central entity is Application: one managed LXC container running a
compose workload, with its allocated ports, VMID, owning host and node,
and lifecycle status. Supporting types cover Proxmox hosts and cached
nodes, catalog entries, backups, deployment log entries, audit entries
and durable job records.

# Application Lifecycle

AppStatus values split into transitional states the janitor may time
out (deploying, cloning, adopting, updating, removing) and stable
states (running, stopped, update_failed, error). The transition table
itself lives in pkg/storage; this package only defines the vocabulary
and the IsTransitional and IsStable predicates.

Types here carry no behavior beyond small accessors. Validation,
persistence and orchestration live in the packages that use them.
*/
package types
