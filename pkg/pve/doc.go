/*
Package pve is the gateway to the Proxmox VE REST API.

Every cluster mutation Roost performs (container create, start, stop,
clone, backup, restore, template download) goes through the Client
interface defined here. The rest of the codebase never builds an API
path or parses an API payload itself.

# Architecture

	┌──────────────────── PVE GATEWAY ─────────────────────┐
	│                                                        │
	│  ┌──────────────┐      ┌───────────────────────────┐  │
	│  │     Pool      │─────▶│  APIClient (one per host) │  │
	│  │ host → client │      │  - go-proxmox upstream    │  │
	│  └──────────────┘      │  - token or password auth │  │
	│                         │  - retry with backoff     │  │
	│                         │  - error classification   │  │
	│                         └─────────────┬─────────────┘  │
	│                                       │                │
	│                         https://host:8006/api2/json    │
	└────────────────────────────────────────────────────────┘

Most mutations return a task ID (UPID). WaitForTask polls the task
endpoint every two seconds until the task reports stopped, attaching
the tail of the task log to the error when the exit status is not OK.

# Error Classification

Transport failures are mapped onto the errdefs kinds before they leave
this package: connection failures become Unreachable, certificate
problems become TLSError, deadline overruns become Timeout. Those
three kinds are the only ones the job runner retries; everything else
(auth failures, conflicts, missing resources) surfaces immediately.

# Authentication

A host configured with an API token authenticates with
PVEAPIToken=ID=SECRET headers and needs no ticket renewal. A host
configured with a password uses the ticket flow handled by the
upstream client. Token auth is preferred; the password path exists for
clusters where tokens are not provisioned.
*/
package pve
