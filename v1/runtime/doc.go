// Package runtime builds every marquee component once from a config.Config
// and owns their lifecycle. It replaces process-wide singletons: callers hold
// a *Runtime and pass it where the components are needed.
package runtime
