// Package dedupe remembers client-supplied message ids for a bounded window so
// a message retried over a flaky link is processed once and its original
// outcome can be replayed to the sender.
package dedupe
