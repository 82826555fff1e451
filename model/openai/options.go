//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	openaiopt "github.com/openai/openai-go/option"
)

// defaultChannelBufferSize is the default buffer size for response channels.
const defaultChannelBufferSize = 256

type options struct {
	// APIKey authenticates against the endpoint. Falls back to the SDK's
	// OPENAI_API_KEY handling when empty.
	APIKey string
	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string
	// ChannelBufferSize is the buffer size of the response channel.
	ChannelBufferSize int
	// OpenAIOptions are extra request options passed through to the SDK client.
	OpenAIOptions []openaiopt.RequestOption
}

var defaultOptions = options{
	ChannelBufferSize: defaultChannelBufferSize,
}

// Option configures the Model.
type Option func(*options)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.APIKey = key
	}
}

// WithBaseURL sets the base URL for OpenAI-compatible providers.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.BaseURL = url
	}
}

// WithChannelBufferSize sets the buffer size of the response channel.
func WithChannelBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.ChannelBufferSize = size
		}
	}
}

// WithOpenAIOptions appends extra request options for the underlying client.
func WithOpenAIOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) {
		o.OpenAIOptions = append(o.OpenAIOptions, opts...)
	}
}
