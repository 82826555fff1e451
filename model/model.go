//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package model

import "context"

// Info contains basic information about a model.
type Info struct {
	// Name is the name of the model.
	Name string
}

// Model is the interface for a chat model.
type Model interface {
	// GenerateContent generates content from the model.
	// The returned channel yields streaming response events and is closed
	// when the exchange finishes.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}
