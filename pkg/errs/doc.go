// Package errs defines the declaration- and control-flow-error taxonomy
// raised synchronously by the hub, driver, and controller APIs.
//
// Each error is a Go struct with an Error() method, matched by callers
// with errors.As rather than compared as a stringly-typed value.
package errs
