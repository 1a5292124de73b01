/*
Package storage persists Roost's state in a single BoltDB file.

The Store interface is the only way the rest of the system reads or
writes durable state: applications, hosts, cached nodes, port and VMID
allocations, deployment logs, backups, job records, the audit trail
and settings. One process owns the file; BoltDB's file lock enforces
the single active controller.

# Buckets

	applications     application rows, keyed by id
	hosts            Proxmox host rows, credentials encrypted
	nodes            cached node rows, keyed by host/name
	ports            port allocations, keyed by port number
	deployment_logs  per-application log entries, keyed by app id + seq
	backups          backup rows, keyed by id
	jobs             durable job records, keyed by id
	audit            audit entries, keyed by timestamp + id
	settings         key/value settings, sensitive values encrypted

# State Machine

Applications move through a fixed transition table; Transition refuses
any edge not listed and updates StateChangedAt in the same BoltDB
transaction. The janitor uses StateChangedAt to find rows stuck in a
transitional status.

	deploying ──▶ running ◀──▶ stopped
	cloning  ──▶ running        │
	adopting ──▶ running/stopped│
	running  ──▶ updating ──▶ running
	                 │
	                 ▼
	          update_failed ──▶ running (restore)
	any transitional ──▶ error
	stable ──▶ removing ──▶ (deleted)

# Encryption

Host credentials (token secret, passwords, SSH password) and
application root passwords are encrypted with the configured cipher
before the row is marshalled; reads decrypt transparently. The
database file alone does not leak credentials.

# Concurrency

WithAppLock serializes mutators of one application without blocking
work on others. Allocators (ports, VMID reservations) run inside
single BoltDB update transactions, so two concurrent deploys can never
be handed the same port or the same VMID reservation.
*/
package storage
