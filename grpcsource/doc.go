// Package grpcsource adapts unary gRPC bulk-lookup methods into batch
// sources consumable by the fetch package. It speaks dynamic protobuf
// messages described by method descriptors, so no generated client code is
// required: descriptors can come from a registry, reflection, or
// BuildLookupMethod.
package grpcsource
