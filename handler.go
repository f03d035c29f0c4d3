// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"

	"github.com/hemant/titandelay/internal/base"
)

// A Handler processes messages of one topic.
//
// Execute should return nil if the processing of a message is successful.
//
// If Execute returns a non-nil error or panics, the message will be retried
// after a backoff if retry attempts remain, otherwise it will be moved to the
// topic's dead-letter store. An error caused by cancellation of ctx abandons
// the message without a dead letter.
//
// Delivery is at-least-once, so Execute must be idempotent.
type Handler interface {
	Topic() string
	Execute(ctx context.Context, content string) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as the processing logic of a Handler.
type HandlerFunc func(ctx context.Context, content string) error

type funcHandler struct {
	topic string
	fn    HandlerFunc
}

func (h *funcHandler) Topic() string { return h.topic }

func (h *funcHandler) Execute(ctx context.Context, content string) error {
	return h.fn(ctx, content)
}

// NewHandler returns a Handler bound to topic that calls fn.
//
// NewHandler panics if topic is not a valid topic name or fn is nil.
func NewHandler(topic string, fn HandlerFunc) Handler {
	if err := base.ValidateTopic(topic); err != nil {
		panic(fmt.Sprintf("titandelay: %v", err))
	}
	if fn == nil {
		panic("titandelay: nil handler func")
	}
	return &funcHandler{topic: topic, fn: fn}
}

// ValidateTopic returns an error if topic cannot name a topic: it must
// contain a non-space character and no braces.
func ValidateTopic(topic string) error {
	return base.ValidateTopic(topic)
}
