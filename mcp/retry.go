//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/floword/floword/log"
)

// RetryConfig controls exponential backoff for tool calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the backoff after each retry.
	BackoffFactor float64
}

// DefaultRetryConfig returns a conservative retry policy.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// isRetryableError determines if an error is retryable based on its characteristics.
// This function uses precise pattern matching to avoid false positives.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Network connection errors - use precise matching to avoid false positives
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection timeout") ||
		strings.Contains(errStr, "connection lost") ||
		strings.Contains(errStr, "connection aborted") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "read timeout") ||
		strings.Contains(errStr, "write timeout") ||
		strings.Contains(errStr, "dial timeout") ||
		errStr == "eof" || // Exact match to avoid false positives
		strings.HasSuffix(errStr, ": eof") { // EOF at end of error chain
		return true
	}

	// HTTP status codes - use word boundary matching to avoid false positives
	if isHTTPStatusRetryable(errStr) {
		return true
	}

	// Default to non-retryable for unknown errors to avoid infinite retry loops
	return false
}

// isHTTPStatusRetryable checks if an error contains a retryable HTTP status code.
// Uses precise patterns to avoid false positives (e.g., "port 5001" won't match "501").
func isHTTPStatusRetryable(errStr string) bool {
	// Retryable status codes: 408, 409, 429, 5xx
	retryableCodes := []string{
		"408", "409", "429",
		"500", "501", "502", "503", "504", "505", "506", "507", "508", "509", "510", "511",
	}

	for _, code := range retryableCodes {
		// Match patterns like "HTTP 500", "status 500", "500 Internal Server Error"
		if strings.Contains(errStr, "http "+code) ||
			strings.Contains(errStr, "status "+code) ||
			strings.Contains(errStr, "status: "+code) ||
			strings.Contains(errStr, "code "+code) ||
			strings.Contains(errStr, "code: "+code) ||
			strings.Contains(errStr, code+" ") { // Status code followed by space (e.g., "500 Internal")
			return true
		}
	}

	return false
}

// executeWithRetry executes a function with exponential backoff retry logic.
func executeWithRetry[T any](
	ctx context.Context,
	retryConfig *RetryConfig,
	operation func() (T, error),
	operationName string,
) (T, error) {
	var zero T
	if retryConfig == nil || retryConfig.MaxRetries <= 0 {
		// No retry configuration, execute once
		return operation()
	}

	var lastErr error
	backoff := retryConfig.InitialBackoff

	for attempt := 0; attempt <= retryConfig.MaxRetries; attempt++ {
		result, err := operation()
		if err == nil {
			if attempt > 0 {
				log.Debugf("operation %s succeeded after %d attempts", operationName, attempt+1)
			}
			return result, nil
		}

		if !isRetryableError(err) {
			return zero, err
		}

		lastErr = err

		// If this was the last attempt, don't wait
		if attempt >= retryConfig.MaxRetries {
			break
		}

		log.Debugf("operation %s attempt %d/%d failed, retrying in %s: %v",
			operationName, attempt+1, retryConfig.MaxRetries+1, backoff, err)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("operation cancelled during retry backoff: %w", ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * retryConfig.BackoffFactor)
			if backoff > retryConfig.MaxBackoff {
				backoff = retryConfig.MaxBackoff
			}
		}
	}

	log.Errorf("operation %s exhausted %d attempts: %v",
		operationName, retryConfig.MaxRetries+1, lastErr)

	// Return the original error without additional wrapping to avoid deep error chains
	return zero, lastErr
}
