// Package serializer provides the encodings for checkpoint metadata files.
//
// Three implementations of IMetaSerializer are available:
//   - JSON: human readable, handy when inspecting a checkpoint directory
//   - GOB: Go's binary format, no schema maintenance
//   - Binary: a compact hand written format, the default
//
// The format is chosen per store. Metadata files carry no format marker, so
// a store must be recovered with the serializer it checkpointed with.
package serializer
