package codec

import "github.com/mklimuk/labinst"

// ProtocolError is an alias so codec callers need not import the root package
// to match on it.
type ProtocolError = labinst.ProtocolError
