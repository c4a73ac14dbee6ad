// Package federation implements the tezit federation protocol engine:
// signed request exchange between servers, the content-hashed bundle wire
// format, peer discovery, and the inbound and outbound delivery pipelines.
package federation
