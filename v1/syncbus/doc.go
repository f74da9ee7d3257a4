// Package syncbus propagates lightweight invalidation events between
// replicas. A publish carries only a key; subscribers learn that something
// under that key changed and drop their local copy. Delivery is best effort:
// nothing that needs to be correct may depend on an event arriving.
package syncbus
