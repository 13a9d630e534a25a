// Package codec implements the wire format shared by every node, whatever
// language it is written in.
//
// A document is JSON holding one value of the supported kinds: null, boolean,
// integer, real, text, binary, sequence and mapping. Integers are written
// without a decimal point and reals always carry one (or an exponent), so the
// two kinds survive a round trip. Binary values travel as
//
//	{"$bytes":"<standard base64>"}
//
// and mapping keys that start with "$" are escaped by doubling the leading
// "$". Any other "$" key is an unknown tag and fails to decode. Mapping keys
// are written in sorted order.
//
// Decode yields canonical Go values: nil, bool, int64, float64, string,
// []byte, []any and map[string]any. Normalize converts an encodable value to
// that form and Equal compares two values by it.
package codec
