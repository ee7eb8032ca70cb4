package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// no global timeout; the caller's ctx bounds the stream
		Client: &http.Client{},
	}
}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []ollamaMsg   `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaStreamResp struct {
	Model           string    `json:"model"`
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (p *OllamaProvider) StreamChat(ctx context.Context, req Request) (Stream, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}

	msgs := make([]ollamaMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(ollamaChatReq{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, &StatusError{Provider: "ollama", StatusCode: resp.StatusCode}
	}

	sc := bufio.NewScanner(resp.Body)
	// long JSON lines
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &ollamaStream{body: resp.Body, sc: sc, model: model}, nil
}

type ollamaStream struct {
	body  io.ReadCloser
	sc    *bufio.Scanner
	model string
	done  bool
}

func (s *ollamaStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var decoded ollamaStreamResp
		if err := json.Unmarshal(line, &decoded); err != nil {
			return Chunk{}, fmt.Errorf("ollama: decode chunk: %w", err)
		}
		if decoded.Error != "" {
			return Chunk{}, fmt.Errorf("ollama: %s", decoded.Error)
		}

		model := decoded.Model
		if model == "" {
			model = s.model
		}
		if decoded.Done {
			s.done = true
			reason := decoded.DoneReason
			if reason == "" {
				reason = "stop"
			}
			return Chunk{
				Delta:        decoded.Message.Content,
				FinishReason: reason,
				Model:        model,
				Usage: &Usage{
					PromptTokens:     decoded.PromptEvalCount,
					CompletionTokens: decoded.EvalCount,
					TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
				},
			}, nil
		}
		if decoded.Message.Content == "" {
			continue
		}
		return Chunk{Delta: decoded.Message.Content, Model: model}, nil
	}
	if err := s.sc.Err(); err != nil {
		return Chunk{}, err
	}
	// body ended without a done record
	return Chunk{}, io.ErrUnexpectedEOF
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
