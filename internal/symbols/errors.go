package symbols

import "quant-sandbox/internal/errs"

// ErrMalformedToken is wrapped by every parse failure in this package.
var ErrMalformedToken = errs.Sentinel(errs.MalformedToken)
