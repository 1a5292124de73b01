/*
Package health implements HTTP and TCP health probes.

The update pipeline uses an HTTP probe against the application URL to
decide whether a freshly pulled workload is serving before declaring
the update done. Checkers are stateless; callers own retry and timing
policy.

An HTTP probe passes on any status in the 200-399 window, so redirects
from applications that bounce to a setup page still count as alive.
*/
package health
