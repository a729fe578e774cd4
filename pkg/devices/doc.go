// Package devices provides device client collaborators used by workflow
// step actions and the drift reconciler. Clients exchange flat attribute
// mappings with the engine; protocol specifics stay behind the interface.
package devices
