package span

import "errors"

// ErrOversizeRequest is returned when a requested page count would not fit
// in the uint16 the Span layout allocates for it.
var ErrOversizeRequest = errors.New("span: request exceeds maximum page count")
