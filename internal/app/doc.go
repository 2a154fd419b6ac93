// Package app contains the application logic of the dgsplice binary. It
// wires a process, a splice host and a scene together, evaluates the scene
// and optionally keeps serving health, metrics and operator reloads. It is
// decoupled from any specific entrypoint like a CLI.
package app
