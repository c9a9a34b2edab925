package rag

import (
	"errors"

	"github.com/upb/rag-gateway/services"
)

// NewEmbeddingError reports a failed or empty embedding call.
func NewEmbeddingError(message string, err error) *services.DomainError {
	return services.NewDomainError(services.ErrorTypeEmbedding, message, err)
}

// NewSearchError reports a failed search call.
func NewSearchError(message string, err error) *services.DomainError {
	return services.NewDomainError(services.ErrorTypeSearch, message, err)
}

// NewGenerationError reports a generation failure at start or mid-stream.
func NewGenerationError(message string, err error) *services.DomainError {
	return services.NewDomainError(services.ErrorTypeGeneration, message, err)
}

// frameMessage renders err for the client. Internal error types stay
// server side; only the stage and the upstream message are shown.
func frameMessage(err error) string {
	switch services.GetErrorType(err) {
	case services.ErrorTypeEmbedding:
		return "Error retrieving context: embedding request failed: " + rootMessage(err)
	case services.ErrorTypeSearch:
		return "Error retrieving context: search request failed: " + rootMessage(err)
	case services.ErrorTypeGeneration:
		return "Error generating answer: " + rootMessage(err)
	default:
		return "Error: " + err.Error()
	}
}

func rootMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		if domainErr.Err != nil {
			return domainErr.Err.Error()
		}
		return domainErr.Message
	}
	return err.Error()
}
