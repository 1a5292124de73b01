/*
Package events is the in-process pub/sub broker for lifecycle events.

Pipelines, the job runner and the reconciler publish events
(app.running, app.error, job.retry, backup.created, node.down,
appliance.degraded, ...); subscribers receive them on buffered
channels. A slow subscriber loses events rather than blocking the
publisher.

Events are ephemeral. Anything that must survive a restart goes to the
store (deployment logs, audit entries), not the broker.
*/
package events
