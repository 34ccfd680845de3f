// Package mock is an in-memory llm.Provider for tests. Configure the
// response fields up front, run the code under test, then inspect the
// recorded calls.
package mock

import (
	"context"
	"sync"

	"github.com/cadenzahq/cadenza/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// StreamCall is one recorded StreamCompletion invocation.
type StreamCall struct {
	Req llm.CompletionRequest
}

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider implements llm.Provider against canned responses. The zero value
// answers every call with zero values and nil errors. Safe for concurrent
// use once configured; don't mutate the response fields mid-test.
type Provider struct {
	// StreamChunks is replayed on the channel from StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr aborts StreamCompletion before a channel opens.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are returned by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	mu sync.Mutex

	// StreamCalls and CompleteCalls record invocations in order. Read them
	// after the code under test has finished.
	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall

	// CountTokensCalls records the message slices passed to CountTokens.
	CountTokensCalls [][]llm.Message
}

// StreamCompletion replays StreamChunks on a fresh channel, honouring ctx
// cancellation between sends.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk, len(p.StreamChunks))
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the request and returns the canned response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens records a copy of messages and returns the canned count.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, append([]llm.Message(nil), messages...))
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns the canned capabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.ModelCapabilities
}
