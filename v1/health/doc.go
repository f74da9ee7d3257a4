// Package health watches process resources, the scheduler backlog and the
// reachability of every backend, and raises throttled operator alerts when
// a check trips. A failing or panicking check never stops the others.
package health
