package api

import (
	"fmt"
	"net/http"

	"github.com/gridcap/accounting/pkg/accounting"
)

// Config holds configuration for the accounting API handler.
type Config struct {
	// Processor is the accounting request processor (required).
	Processor *accounting.Processor

	// ResolveIdCard authenticates an HTTP request into a capability token
	// (required). Returning an error yields a 401.
	ResolveIdCard func(*http.Request) (accounting.IdCard, error)

	// OnError handles transport-level errors (auth, decoding, internal).
	// If nil, uses default error handling.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is optional structured logging for API operations.
	Logger accounting.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Processor == nil {
		return fmt.Errorf("processor is required")
	}
	if c.ResolveIdCard == nil {
		return fmt.Errorf("resolveIdCard is required")
	}
	return nil
}
