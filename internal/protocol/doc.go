// Package protocol defines the JSON wire contract between the hexalink
// controller and its endpoint agents: the named-event envelope, command
// bundles, execution reports, and registration payloads.
package protocol
