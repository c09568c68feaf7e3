// Package codec implements the CloudNet wire codec.
//
// A connection carries a stream of frames:
//
//	[varint totalLength][payload bytes]
//
// Varints use the protobuf encoding (7 bits per byte, high bit set on every
// byte but the last). FrameDecoder can be fed arbitrary read chunks and only
// yields frames that are complete. Buffer reads and writes the primitives
// packets are built from.
package codec
