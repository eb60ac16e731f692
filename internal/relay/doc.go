// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards chat requests to an OpenAI-compatible provider and
// streams the reply back as text deltas.
//
// # Provider Modes
//
// The provider is either called directly (DirectMode: bearer token, model in
// the body) or through a deployment gateway (GatewayMode: api-key header,
// deployment in the URL). The mode is picked once with NewMode.
//
// # Streaming
//
// Relay.Stream returns a DeltaStream, a pull iterator over the SSE body:
//
//	stream, err := r.Stream(ctx, req)
//	if err != nil {
//	    classify.Write(w, err)
//	    return
//	}
//	defer stream.Close()
//	for {
//	    text, err := stream.Next()
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// A finish_reason (or [DONE]) ends the stream with io.EOF. A malformed
// event, a mid-stream provider error or a body that ends early ends it with
// a *StreamError. Cancelling the context aborts the upstream request.
//
// Requests are never retried. An optional circuit breaker fails fast while
// the provider is down.
package relay
