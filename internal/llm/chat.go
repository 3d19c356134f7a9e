package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
	"github.com/tmc/langchaingo/llms"
)

const chatSystemPrompt = "You are a friendly, encouraging AI companion for kids who loves reading and drawing. Speak simply, use emojis, and be helpful."

var errEmptyReply = errors.New("chat model returned an empty reply")

// chatMessages builds the system prompt, the prior turns in order and the new user message.
func chatMessages(message string, history []models.ChatTurn) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextContent{Text: chatSystemPrompt}},
	})
	for _, turn := range history {
		role := llms.ChatMessageTypeHuman
		if turn.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextContent{Text: turn.Text}},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: message}},
	})
	return messages
}

// Respond produces the assistant's reply to message given the prior conversation.
// Errors are returned as-is; substituting the fallback reply is the caller's job.
func (c *Client) Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	if c.chatModel == nil {
		return "", models.ErrNotConfigured
	}

	opts := []llms.CallOption{
		llms.WithTemperature(0.9),
		llms.WithMaxTokens(1000),
	}
	resp, err := c.chatModel.GenerateContent(ctx, chatMessages(message, history), opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errEmptyReply
	}

	response := resp.Choices[0].Content
	logGeminiResponse("Respond", response)
	reply := strings.TrimSpace(response)
	if reply == "" {
		return "", errEmptyReply
	}

	log.Debug().
		Str("model", c.modelChat).
		Int("history_turns", len(history)).
		Int("reply_length", len(reply)).
		Msg("Chat reply generated")
	return reply, nil
}
