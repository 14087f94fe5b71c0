// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainAppliesDecoratorsOuterFirst(t *testing.T) {
	var order []string

	transport := Handler(func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
		order = append(order, "transport")
		return &http.Response{StatusCode: 200}, nil
	})
	outer := Decorator(func(next Handler) Handler {
		return func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
			order = append(order, "outer:before")
			resp, err := next(ctx, crc, req)
			order = append(order, "outer:after")
			return resp, err
		}
	})
	inner := Decorator(func(next Handler) Handler {
		return func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
			order = append(order, "inner:before")
			resp, err := next(ctx, crc, req)
			order = append(order, "inner:after")
			return resp, err
		}
	})

	h := Chain(transport, outer, inner)
	resp, err := h(context.Background(), nil, &http.Request{})

	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"outer:before", "inner:before", "transport", "inner:after", "outer:after"}, order)
}

func TestChainWithNoDecoratorsReturnsTransportDirectly(t *testing.T) {
	called := false
	transport := Handler(func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
		called = true
		return nil, nil
	})

	h := Chain(transport)
	_, _ = h(context.Background(), nil, &http.Request{})

	assert.True(t, called)
}
