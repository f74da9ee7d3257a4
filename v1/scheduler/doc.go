// Package scheduler provides a bounded priority queue drained by a fixed pool
// of workers. Submissions never block: when the queue is full the new item is
// rejected. Items leave the queue ordered by priority tier and then by
// enqueue time, so administrative commands are never starved by bulk jobs.
package scheduler
